package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"steward/internal/domain"
)

// Outbox is the default executor: it spools work orders as JSON files for
// an external runner to pick up. The write is temp-then-rename so the
// runner never reads a half-written order.
type Outbox struct {
	Dir string
}

func (o Outbox) Dispatch(ctx context.Context, order domain.WorkOrder) error {
	if o.Dir == "" {
		return fmt.Errorf("outbox directory not configured")
	}
	if err := os.MkdirAll(o.Dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(order, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(o.Dir, ".order-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(o.Dir, order.AttemptID+".json"))
}
