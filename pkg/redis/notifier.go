package redis

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	models "github.com/otterfi/otter-point/pkg/db/models/ledger"
)

// VaultSnapshotStream receives one entry per committed vault checkpoint.
const VaultSnapshotStream = "otter:vault-snapshots"

type streamAdder interface {
	XAdd(ctx context.Context, stream string, values map[string]any) string
}

// SnapshotNotifier publishes committed vault checkpoints to VaultSnapshotStream.
type SnapshotNotifier struct {
	streams streamAdder
	logger  *zap.Logger
	stream  string
	timeout time.Duration
}

func NewSnapshotNotifier(streams streamAdder, logger *zap.Logger) *SnapshotNotifier {
	return &SnapshotNotifier{
		streams: streams,
		logger:  logger,
		stream:  VaultSnapshotStream,
		timeout: 2 * time.Second,
	}
}

// VaultSnapshotCommitted is best effort: a slow or unavailable Redis only costs the timeout.
func (n *SnapshotNotifier) VaultSnapshotCommitted(ctx context.Context, snap models.VaultSnapshot) {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	if id := n.streams.XAdd(ctx, n.stream, SnapshotFields(snap)); id != "" {
		n.logger.Debug("vault snapshot published",
			zap.String("stream", n.stream),
			zap.String("id", id),
			zap.Int64("vaultId", snap.VaultID))
	}
}

// SnapshotFields is the stream entry for a committed checkpoint.
func SnapshotFields(snap models.VaultSnapshot) map[string]any {
	price := "0"
	if snap.Price != nil {
		price = snap.Price.String()
	}
	return map[string]any{
		"vaultId":     strconv.FormatInt(snap.VaultID, 10),
		"blockNumber": strconv.FormatUint(snap.SnapshotBlock.BlockNumber, 10),
		"timestamp":   strconv.FormatInt(snap.SnapshotBlock.Timestamp.Unix(), 10),
		"holders":     strconv.Itoa(len(snap.Holdings)),
		"rate":        snap.Rate.String(),
		"price":       price,
	}
}
