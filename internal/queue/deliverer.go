package queue

import (
	"context"
	"errors"

	"github.com/ChemicalGhost/dev-timr/internal/remote"
)

// ErrNoCredential means delivery was attempted without a session token.
// Drain treats it like an auth failure: abort the pass, burn no
// attempt counters.
var ErrNoCredential = errors.New("no valid credential for delivery")

// RemoteDeliverer delivers queued sessions through the sync service
// client, idempotently by clientId: an existing remote record with the
// same clientId counts as success without re-inserting. This makes
// Drain safe to invoke again after a partial prior failure, such as an
// insert that succeeded but whose acknowledgment was lost.
type RemoteDeliverer struct {
	Client *remote.Client

	// Token supplies the current session token. Delivery fails without
	// one; the caller normally gates Drain on credential validity.
	Token func() (string, bool)
}

// DeliverSession implements Deliverer.
func (d *RemoteDeliverer) DeliverSession(ctx context.Context, entry Entry) error {
	token, ok := d.Token()
	if !ok {
		return ErrNoCredential
	}

	exists, err := d.Client.SessionExists(ctx, token, entry.ClientID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	return d.Client.InsertSession(ctx, token, remote.SessionUpload{
		ClientID:   entry.ClientID,
		StartMs:    entry.StartMs,
		EndMs:      entry.EndMs,
		DurationMs: entry.DurationMs,
		TaskName:   entry.TaskName,
		RepoOwner:  entry.RepoOwner,
		RepoName:   entry.RepoName,
	})
}
