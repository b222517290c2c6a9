package profiles

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dkeye/Callkit/internal/core"
	"github.com/dkeye/Callkit/internal/domain"
	"go.viam.com/test"
)

func TestDirectoryLookup(t *testing.T) {
	ctx := context.Background()
	d, err := New([]Entry{
		{ID: "bob", DisplayName: "Bob", AcceptsCalls: true},
		{ID: "alice", Avatar: "avatars/alice.png"},
	})
	test.That(t, err, test.ShouldBeNil)

	p, err := d.Profile(ctx, "alice")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p.DisplayName, test.ShouldEqual, domain.DefaultDisplayName)
	test.That(t, p.AvatarRef, test.ShouldEqual, "avatars/alice.png")
	test.That(t, p.AcceptsCalls, test.ShouldBeFalse)

	_, err = d.Profile(ctx, "carol")
	test.That(t, errors.Is(err, core.ErrProfileNotFound), test.ShouldBeTrue)

	list, err := d.List(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, list, test.ShouldHaveLength, 2)
	test.That(t, list[0].ID, test.ShouldEqual, domain.ParticipantID("bob"))
}

func TestDirectoryRejectsBadEntries(t *testing.T) {
	_, err := New([]Entry{{ID: "bob"}, {ID: "bob"}})
	test.That(t, err, test.ShouldNotBeNil)

	_, err = New([]Entry{{ID: ""}})
	test.That(t, errors.Is(err, domain.ErrParticipantIDEmpty), test.ShouldBeTrue)

	_, err = New([]Entry{{ID: strings.Repeat("x", domain.MaxParticipantIDLen+1)}})
	test.That(t, errors.Is(err, domain.ErrParticipantIDTooLong), test.ShouldBeTrue)
}
