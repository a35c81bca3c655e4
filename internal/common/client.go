package common

import (
	gocontext "context"
	"time"

	"github.com/neocortix/ncscli-sub000/internal/common/batchcontext"
)

// ContextWithDefaultTimeout bounds the single cloud calls made by the maintenance commands.
func ContextWithDefaultTimeout() (*batchcontext.Context, gocontext.CancelFunc) {
	return batchcontext.WithTimeout(batchcontext.Background(), 2*time.Minute)
}
