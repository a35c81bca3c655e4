package fleet

import (
	"strings"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/neocortix/ncscli-sub000/internal/common/batcherrors"
)

const (
	instancesTable = "instances"
	idIndex        = "id"    // index for looking up instances by id
	stateIndex     = "state" // index for looking up instances in a given lifecycle state
)

// Registry holds every instance a run has launched or been given, indexed by id and by lifecycle state.
// It is implemented on top of go-memdb, so readers see a consistent snapshot while recruiters and workers write.
type Registry struct {
	db *memdb.MemDB
}

func NewRegistry() (*Registry, error) {
	db, err := memdb.NewMemDB(registrySchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Registry{db: db}, nil
}

// Upsert stores the instances, replacing any held with the same id.
func (r *Registry) Upsert(instances ...*Instance) error {
	txn := r.db.Txn(true)
	defer txn.Abort()
	for _, inst := range instances {
		if err := txn.Insert(instancesTable, inst); err != nil {
			return errors.WithStack(err)
		}
	}
	txn.Commit()
	return nil
}

// SetState moves the given instances to state. Unknown ids are an error and leave every instance unchanged.
func (r *Registry) SetState(state State, instanceIds ...string) error {
	txn := r.db.Txn(true)
	defer txn.Abort()
	for _, id := range instanceIds {
		obj, err := txn.First(instancesTable, idIndex, id)
		if err != nil {
			return errors.WithStack(err)
		}
		if obj == nil {
			return errors.WithStack(&batcherrors.ErrNotFound{Type: "instance", Value: id})
		}
		if err := txn.Insert(instancesTable, obj.(*Instance).WithState(state)); err != nil {
			return errors.WithStack(err)
		}
	}
	txn.Commit()
	return nil
}

func (r *Registry) Get(instanceId string) (*Instance, bool) {
	txn := r.db.Txn(false)
	obj, err := txn.First(instancesTable, idIndex, instanceId)
	if err != nil || obj == nil {
		return nil, false
	}
	return obj.(*Instance), true
}

// InState returns the instances in any of the given states, ordered by id.
func (r *Registry) InState(states ...State) []*Instance {
	txn := r.db.Txn(false)
	var result []*Instance
	for _, state := range states {
		iter, err := txn.Get(instancesTable, stateIndex, string(state))
		if err != nil {
			continue
		}
		for obj := iter.Next(); obj != nil; obj = iter.Next() {
			result = append(result, obj.(*Instance))
		}
	}
	sortById(result)
	return result
}

// Live returns every instance that has not been terminated or dropped.
func (r *Registry) Live() []*Instance {
	return r.InState(Requested, Started, Installed, Working)
}

func (r *Registry) CountInState(state State) int {
	return len(r.InState(state))
}

// All returns every instance ever registered, ordered by id.
func (r *Registry) All() []*Instance {
	txn := r.db.Txn(false)
	iter, err := txn.Get(instancesTable, idIndex)
	if err != nil {
		return nil
	}
	var result []*Instance
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		result = append(result, obj.(*Instance))
	}
	return result
}

func sortById(instances []*Instance) {
	slices.SortFunc(instances, func(a, b *Instance) int {
		return strings.Compare(a.InstanceId, b.InstanceId)
	})
}

func registrySchema() *memdb.DBSchema {
	indexes := make(map[string]*memdb.IndexSchema)
	indexes[idIndex] = &memdb.IndexSchema{
		Name:    idIndex, // lookup by primary key
		Unique:  true,
		Indexer: &memdb.StringFieldIndex{Field: "InstanceId"},
	}
	indexes[stateIndex] = &memdb.IndexSchema{
		Name:    stateIndex,
		Unique:  false,
		Indexer: &memdb.StringFieldIndex{Field: "State"},
	}
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			instancesTable: {
				Name:    instancesTable,
				Indexes: indexes,
			},
		},
	}
}
