package reconciler

import (
	"context"
	"errors"
	"time"

	"github.com/avvvet/buyin-services/internal/tablesvc/gateway"
	"github.com/avvvet/buyin-services/internal/tablesvc/models"
)

func isActive(status string, pending bool) bool {
	return status == models.MemberActive || (status == "" && !pending)
}

// ensureCurrentPlayerActive re-reads the local player's own membership until it shows up
// active. A listing taken just before an approval committed may miss the player; once the
// row reads active the player is forced into the roster. It keeps trying only while the row
// is missing or the player still has an open join request. Reports whether d changed.
func (l *loader) ensureCurrentPlayerActive(ctx context.Context, d *data, attempts int, delay time.Duration) bool {
	if l.playerID == "" {
		return false
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		var m *models.Membership
		err := l.step(ctx, "getOwnMembership", func(ctx context.Context) error {
			var err error
			m, err = l.rows.GetMembership(ctx, l.tableID, l.playerID)
			return err
		})
		pending := PendingSet(d.joins)[l.playerID]

		switch {
		case err == nil && isActive(m.Status, pending):
			return l.markActive(ctx, d, m)
		case err == nil && !pending:
			// explicitly exited, nothing to heal
			return false
		case err != nil && !errors.Is(err, gateway.ErrNotFound) && ctx.Err() != nil:
			return false
		}

		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
	}
	return false
}

func (l *loader) markActive(ctx context.Context, d *data, m *models.Membership) bool {
	changed := false

	joins := d.joins[:0:0]
	for _, jr := range d.joins {
		if jr.PlayerID == l.playerID {
			changed = true
			continue
		}
		joins = append(joins, jr)
	}
	d.joins = joins

	cp := *m
	cp.Status = models.MemberActive
	found := false
	for i, existing := range d.members {
		if existing.PlayerID != l.playerID {
			continue
		}
		found = true
		if existing.Status != models.MemberActive {
			d.members[i] = &cp
			changed = true
		}
	}
	if !found {
		d.members = append(d.members, &cp)
		d.injected[l.playerID] = true
		changed = true
	}

	if _, ok := d.names[l.playerID]; !ok {
		var p *models.Player
		err := l.step(ctx, "getPlayer", func(ctx context.Context) error {
			var err error
			p, err = l.rows.GetPlayer(ctx, l.playerID)
			return err
		})
		if err == nil {
			d.names[l.playerID] = p.Name
		}
	}
	return changed
}
