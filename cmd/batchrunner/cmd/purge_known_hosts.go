package cmd

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/neocortix/ncscli-sub000/internal/batchrunner/jobdir"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/remote"
)

func purgeKnownHostsCmd() *cobra.Command {
	flags := pflag.NewFlagSet("configuration", pflag.ContinueOnError)
	flags.String("ssh.knownHostsFile", "", "known_hosts file to purge")

	cmd := &cobra.Command{
		Use:   "purge-known-hosts instancesFile",
		Short: "Remove the host keys of instances from known_hosts",
		Long:  `Removes from known_hosts the host keys of every instance in a JSON instances file such as survivingInstances.json.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			records, err := jobdir.ReadInstances(args[0])
			if err != nil {
				return err
			}

			var hostKeys []remote.HostKey
			for _, record := range records {
				if record.Ssh != nil {
					hostKeys = append(hostKeys, remote.HostKeysFromSpecs(*record.Ssh)...)
				}
			}
			store := remote.NewHostKeyStore(config.Ssh.KnownHostsFile)
			if err := store.Purge(hostKeys); err != nil {
				return err
			}
			log.Infof("Purged %d host keys of %d instances from %s", len(hostKeys), len(records), store.Path())
			return nil
		},
	}
	cmd.Flags().AddFlagSet(flags)
	return cmd
}
