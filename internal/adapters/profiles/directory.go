// Package profiles is a static, read-only ProfileDirectory loaded from config.
package profiles

import (
	"context"
	"fmt"

	"github.com/dkeye/Callkit/internal/core"
	"github.com/dkeye/Callkit/internal/domain"
)

// Entry is one configured profile.
type Entry struct {
	ID           string `mapstructure:"id"`
	DisplayName  string `mapstructure:"display_name"`
	Avatar       string `mapstructure:"avatar"`
	AcceptsCalls bool   `mapstructure:"accepts_calls"`
}

type Directory struct {
	byID  map[domain.ParticipantID]domain.Profile
	order []domain.ParticipantID
}

var _ core.ProfileDirectory = (*Directory)(nil)

// New validates entries; ids must be unique.
func New(entries []Entry) (*Directory, error) {
	d := &Directory{byID: make(map[domain.ParticipantID]domain.Profile, len(entries))}
	for _, e := range entries {
		p, err := domain.NewProfile(domain.ParticipantID(e.ID), e.DisplayName, e.Avatar, e.AcceptsCalls)
		if err != nil {
			return nil, fmt.Errorf("profile %q: %w", e.ID, err)
		}
		if _, dup := d.byID[p.ID]; dup {
			return nil, fmt.Errorf("profile %q: duplicate id", e.ID)
		}
		d.byID[p.ID] = *p
		d.order = append(d.order, p.ID)
	}
	return d, nil
}

func (d *Directory) Profile(_ context.Context, id domain.ParticipantID) (*domain.Profile, error) {
	p, ok := d.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrProfileNotFound, id)
	}
	return &p, nil
}

// List returns profiles in configuration order.
func (d *Directory) List(context.Context) ([]domain.Profile, error) {
	out := make([]domain.Profile, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.byID[id])
	}
	return out, nil
}
