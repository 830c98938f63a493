package activitypub

import (
	"time"

	"github.com/anancus/anancus/domain"
	"github.com/anancus/anancus/stator"
)

const (
	retryInterval   = 10 * time.Minute
	refreshInterval = 10 * time.Minute
	gcSoon          = 24 * time.Hour
	gcLater         = 3 * 24 * time.Hour
	deliveryTimeout = 3 * 24 * time.Hour
)

// Graphs assembles the full set of state machines the runner drives. Graph
// shapes are static; a definition error here is a programming error.
func (s *Service) Graphs() ([]*stator.Graph, error) {
	defs := []struct {
		model   string
		initial string
		states  []stator.State
	}{
		{
			model:   "identities",
			initial: domain.IdentityOutdated,
			states: []stator.State{
				{
					Name:        domain.IdentityOutdated,
					Handler:     s.RefreshIdentity,
					TryInterval: refreshInterval,
					Children:    []string{domain.IdentityUpdated, domain.IdentityDeleted},
				},
				{
					Name:     domain.IdentityUpdated,
					Children: []string{domain.IdentityOutdated, domain.IdentityEdited, domain.IdentityDeleted},
				},
				{
					Name:               domain.IdentityEdited,
					Handler:            s.fanOutIdentityEdited,
					TryInterval:        retryInterval,
					AttemptImmediately: true,
					Children:           []string{domain.IdentityUpdated, domain.IdentityDeleted},
				},
				{
					Name:               domain.IdentityDeleted,
					Handler:            s.retireIdentity,
					TryInterval:        retryInterval,
					AttemptImmediately: true,
					Children:           []string{domain.IdentityTombstoned},
				},
				{
					// Tombstones persist so a deleted id can never revive.
					Name:     domain.IdentityTombstoned,
					Terminal: true,
				},
			},
		},
		{
			model:   "posts",
			initial: domain.PostNew,
			states: []stator.State{
				{
					Name:               domain.PostNew,
					Handler:            s.fanOutPost,
					TryInterval:        retryInterval,
					AttemptImmediately: true,
					Children:           []string{domain.PostFannedOut, domain.PostDeleted},
				},
				{
					Name:     domain.PostFannedOut,
					Children: []string{domain.PostEdited, domain.PostDeleted},
				},
				{
					Name:               domain.PostEdited,
					Handler:            s.fanOutPostEdited,
					TryInterval:        retryInterval,
					AttemptImmediately: true,
					Children:           []string{domain.PostEditedFannedOut, domain.PostDeleted},
				},
				{
					Name:     domain.PostEditedFannedOut,
					Children: []string{domain.PostEdited, domain.PostDeleted},
				},
				{
					Name:               domain.PostDeleted,
					Handler:            s.fanOutPostDeleted,
					TryInterval:        retryInterval,
					AttemptImmediately: true,
					Children:           []string{domain.PostDeletedFannedOut},
				},
				{
					Name:        domain.PostDeletedFannedOut,
					Terminal:    true,
					DeleteAfter: gcSoon,
				},
			},
		},
		{
			model:   "post_interactions",
			initial: domain.InteractionNew,
			states: []stator.State{
				{
					Name:               domain.InteractionNew,
					Handler:            s.fanOutInteraction,
					TryInterval:        retryInterval,
					AttemptImmediately: true,
					Children:           []string{domain.InteractionFannedOut, domain.InteractionUndone},
				},
				{
					Name:     domain.InteractionFannedOut,
					Children: []string{domain.InteractionUndone},
				},
				{
					Name:               domain.InteractionUndone,
					Handler:            s.fanOutInteractionUndo,
					TryInterval:        retryInterval,
					AttemptImmediately: true,
					Children:           []string{domain.InteractionUndoneFannedOut},
				},
				{
					Name:        domain.InteractionUndoneFannedOut,
					Terminal:    true,
					DeleteAfter: gcSoon,
				},
			},
		},
		{
			model:   "follows",
			initial: domain.FollowUnrequested,
			states: []stator.State{
				{
					Name:               domain.FollowUnrequested,
					Handler:            s.sendFollowRequest,
					TryInterval:        retryInterval,
					AttemptImmediately: true,
					Children: []string{domain.FollowLocalRequested, domain.FollowAccepted,
						domain.FollowUndone},
				},
				{
					Name: domain.FollowLocalRequested,
					Children: []string{domain.FollowAccepted, domain.FollowRejected,
						domain.FollowUndone},
				},
				{
					Name:               domain.FollowRemoteRequested,
					Handler:            s.acceptFollowRequest,
					TryInterval:        retryInterval,
					AttemptImmediately: true,
					Children: []string{domain.FollowAccepted, domain.FollowRejected,
						domain.FollowUndoneRemotely},
				},
				{
					Name:     domain.FollowAccepted,
					Children: []string{domain.FollowUndone, domain.FollowUndoneRemotely},
				},
				{
					Name: domain.FollowRejected,
					Children: []string{domain.FollowUnrequested, domain.FollowRemoteRequested,
						domain.FollowUndoneRemotely},
				},
				{
					Name:               domain.FollowUndone,
					Handler:            s.sendFollowUndo,
					TryInterval:        retryInterval,
					AttemptImmediately: true,
					Children:           []string{domain.FollowUndoneRemotely, domain.FollowUnrequested},
				},
				{
					Name: domain.FollowUndoneRemotely,
					// Not terminal: a re-follow restarts the cycle in place.
					Children: []string{domain.FollowUnrequested, domain.FollowRemoteRequested},
				},
			},
		},
		{
			model:   "blocks",
			initial: domain.BlockNew,
			states: []stator.State{
				{
					Name:               domain.BlockNew,
					Handler:            s.deliverBlock,
					TryInterval:        retryInterval,
					AttemptImmediately: true,
					Children:           []string{domain.BlockSent, domain.BlockUndone},
				},
				{
					Name:     domain.BlockSent,
					Children: []string{domain.BlockUndone, domain.BlockNew, domain.BlockUndoneSent},
				},
				{
					Name:               domain.BlockUndone,
					Handler:            s.deliverBlockUndo,
					TryInterval:        retryInterval,
					AttemptImmediately: true,
					Children:           []string{domain.BlockUndoneSent, domain.BlockNew},
				},
				{
					Name:        domain.BlockUndoneSent,
					Children:    []string{domain.BlockNew, domain.BlockSent},
					DeleteAfter: 0,
				},
			},
		},
		{
			model:   "fan_outs",
			initial: domain.FanOutNew,
			states: []stator.State{
				{
					Name:               domain.FanOutNew,
					Handler:            s.DeliverFanOut,
					TryInterval:        retryInterval,
					AttemptImmediately: true,
					Children:           []string{domain.FanOutSent, domain.FanOutSkipped, domain.FanOutFailed},
					Timeout:            deliveryTimeout,
					TimeoutState:       domain.FanOutFailed,
				},
				{Name: domain.FanOutSent, Terminal: true, DeleteAfter: gcSoon},
				{Name: domain.FanOutSkipped, Terminal: true, DeleteAfter: gcSoon},
				{Name: domain.FanOutFailed, Terminal: true, DeleteAfter: gcSoon},
			},
		},
		{
			model:   "post_attachments",
			initial: domain.AttachmentNew,
			states: []stator.State{
				{
					Name:               domain.AttachmentNew,
					Handler:            s.fetchAttachment,
					TryInterval:        retryInterval,
					AttemptImmediately: true,
					Children:           []string{domain.AttachmentFetched},
				},
				// Rows die with their post, not by age.
				{Name: domain.AttachmentFetched, Terminal: true},
			},
		},
		{
			model:   "emojis",
			initial: domain.EmojiOutdated,
			states: []stator.State{
				{
					Name:               domain.EmojiOutdated,
					Handler:            s.refreshEmoji,
					TryInterval:        refreshInterval,
					AttemptImmediately: true,
					Children:           []string{domain.EmojiUpdated},
				},
				{Name: domain.EmojiUpdated, Children: []string{domain.EmojiOutdated}},
			},
		},
		{
			model:   "hashtags",
			initial: domain.HashtagOutdated,
			states: []stator.State{
				{
					Name:               domain.HashtagOutdated,
					Handler:            s.refreshHashtag,
					TryInterval:        refreshInterval,
					AttemptImmediately: true,
					Children:           []string{domain.HashtagUpdated},
				},
				{Name: domain.HashtagUpdated, Children: []string{domain.HashtagOutdated}},
			},
		},
		{
			model:   "inbox_messages",
			initial: domain.InboxReceived,
			states: []stator.State{
				{
					Name:               domain.InboxReceived,
					Handler:            s.ProcessInboxMessage,
					TryInterval:        retryInterval,
					AttemptImmediately: true,
					Children:           []string{domain.InboxProcessed, domain.InboxErrored},
				},
				{Name: domain.InboxProcessed, Terminal: true, DeleteAfter: gcLater},
				{Name: domain.InboxErrored, Terminal: true, DeleteAfter: gcLater},
			},
		},
	}

	var graphs []*stator.Graph
	for _, d := range defs {
		g, err := stator.NewGraph(d.model, d.initial, d.states)
		if err != nil {
			return nil, err
		}
		graphs = append(graphs, g)
	}
	return graphs, nil
}
