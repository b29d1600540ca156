package settings

import (
	"context"
	"time"

	"github.com/adhocore/gronx"

	"github.com/kobocord/kobocord/pkg/botstate"
	"github.com/kobocord/kobocord/pkg/logger"
)

// Autosaver snapshots the store on a cron schedule, so the settings file
// stays fresh even when no command triggers an explicit save.
type Autosaver struct {
	bridge *Bridge
	store  *botstate.Store
	expr   string
	gron   *gronx.Gronx
}

func NewAutosaver(bridge *Bridge, store *botstate.Store, expr string) *Autosaver {
	return &Autosaver{
		bridge: bridge,
		store:  store,
		expr:   expr,
		gron:   gronx.New(),
	}
}

// Run due-checks the cron expression once a minute until ctx is
// cancelled. A final save happens on shutdown.
func (a *Autosaver) Run(ctx context.Context) {
	if a.expr == "" || !a.gron.IsValid(a.expr) {
		logger.WarnCF("settings", "Invalid autosave cron expression, autosave disabled", map[string]any{
			"expr": a.expr,
		})
		return
	}

	logger.InfoCF("settings", "Autosave scheduled", map[string]any{"expr": a.expr})

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := a.bridge.Save(a.store); err != nil {
				logger.ErrorCF("settings", "Final settings save failed", map[string]any{
					"error": err.Error(),
				})
			}
			return
		case now := <-ticker.C:
			due, err := a.gron.IsDue(a.expr, now)
			if err != nil || !due {
				continue
			}
			if err := a.bridge.Save(a.store); err != nil {
				logger.ErrorCF("settings", "Autosave failed", map[string]any{
					"error": err.Error(),
				})
			}
		}
	}
}
