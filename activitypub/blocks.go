package activitypub

import (
	"context"
	"fmt"
	"time"

	"github.com/anancus/anancus/domain"
	"github.com/anancus/anancus/util"
)

// handleRemoteBlock records that a remote actor has blocked one of ours.
// Nothing is delivered back; the edge just suppresses future fan-out.
func (s *Service) handleRemoteBlock(ctx context.Context, doc map[string]any) error {
	actorURI := getString(doc, "actor")
	targetURI, _ := objectOf(doc)
	if targetURI == "" {
		return formatErrorf("block has no object")
	}
	target, err := s.store.IdentityByActorURI(ctx, targetURI)
	if err != nil {
		return err
	}
	if target == nil || !target.Local {
		return nil
	}
	source, err := s.EnsureIdentity(ctx, actorURI)
	if err != nil {
		return err
	}

	existing, err := s.store.BlockBetween(ctx, source.Id, target.Id, false)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.Active() {
			return nil
		}
		return s.store.Transition(ctx, "blocks", existing.Id, domain.BlockSent, false)
	}
	return s.store.CreateBlock(ctx, &domain.Block{
		Id: util.NewID(util.KindFollow),
		// Inbound blocks never produce outbound traffic, so they enter the
		// graph in the delivered state.
		Workflow: domain.Workflow{State: domain.BlockSent, StateChanged: time.Now().UTC()},
		SourceId: source.Id,
		TargetId: target.Id,
		URI:      getString(doc, "id"),
	})
}

// undoRemoteBlock lifts a previously recorded inbound block.
func (s *Service) undoRemoteBlock(ctx context.Context, actorURI, blockURI string) error {
	var block *domain.Block
	var err error
	if blockURI != "" {
		block, err = s.store.BlockByURI(ctx, blockURI)
		if err != nil {
			return err
		}
	}
	if block == nil {
		return nil
	}
	source, err := s.store.IdentityById(ctx, block.SourceId)
	if err != nil {
		return err
	}
	if source == nil || source.ActorURI != actorURI {
		return &ActorMismatchError{Actor: actorURI, Object: blockURI}
	}
	if !block.Active() {
		return nil
	}
	return s.store.Transition(ctx, "blocks", block.Id, domain.BlockUndoneSent, false)
}

// ─── Local API ────────────────────────────────────────────────────────────────

// BlockActor creates a block or mute from a local identity. Blocking also
// severs any follow in either direction.
func (s *Service) BlockActor(ctx context.Context, source *domain.Identity, targetId int64, mute bool, expires *time.Time) (*domain.Block, error) {
	if !source.Local {
		return nil, formatErrorf("block source %s is not local", source.ActorURI)
	}
	existing, err := s.store.BlockBetween(ctx, source.Id, targetId, mute)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Active() {
		return existing, nil
	}

	if !mute {
		for _, pair := range [][2]int64{{source.Id, targetId}, {targetId, source.Id}} {
			follow, err := s.store.FollowBetween(ctx, pair[0], pair[1])
			if err != nil {
				return nil, err
			}
			if follow != nil && follow.State != domain.FollowUndone && follow.State != domain.FollowUndoneRemotely {
				if err := s.store.Transition(ctx, "follows", follow.Id, domain.FollowUndone, true); err != nil {
					return nil, err
				}
			}
		}
	}

	if existing != nil {
		if err := s.store.Transition(ctx, "blocks", existing.Id, domain.BlockNew, true); err != nil {
			return nil, err
		}
		return s.store.BlockById(ctx, existing.Id)
	}
	id := util.NewID(util.KindFollow)
	b := &domain.Block{
		Id:       id,
		Workflow: domain.NewWorkflow(domain.BlockNew),
		SourceId: source.Id,
		TargetId: targetId,
		URI:      fmt.Sprintf("%s/block/%d/", s.conf.BaseURL(), id),
		Mute:     mute,
		Expires:  expires,
	}
	if err := s.store.CreateBlock(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// UnblockActor withdraws a block or mute; the undone handler sends the Undo
// for full blocks.
func (s *Service) UnblockActor(ctx context.Context, source *domain.Identity, targetId int64, mute bool) error {
	block, err := s.store.BlockBetween(ctx, source.Id, targetId, mute)
	if err != nil || block == nil {
		return err
	}
	if !block.Active() {
		return nil
	}
	return s.store.Transition(ctx, "blocks", block.Id, domain.BlockUndone, true)
}

// ─── Graph handlers ───────────────────────────────────────────────────────────

// deliverBlock is the block "new" handler. Mutes are a purely local
// arrangement and are never announced; neither are blocks of local actors.
func (s *Service) deliverBlock(ctx context.Context, id int64) (string, error) {
	block, source, target, err := s.blockParties(ctx, id)
	if err != nil || block == nil {
		return stateOrBubble(domain.BlockSent, err)
	}
	if block.Mute || target.Local || !source.Local {
		return domain.BlockSent, nil
	}

	act := s.wrap("Block", source.ActorURI, target.ActorURI)
	act["id"] = block.URI
	if err := s.deliverActivity(ctx, source, target, act); err != nil {
		if IsTransient(err) {
			return "", nil
		}
		if IsRecoverable(err) {
			// The remote refused it; the edge still holds locally.
			return domain.BlockSent, nil
		}
		return "", err
	}
	return domain.BlockSent, nil
}

// deliverBlockUndo is the undone handler.
func (s *Service) deliverBlockUndo(ctx context.Context, id int64) (string, error) {
	block, source, target, err := s.blockParties(ctx, id)
	if err != nil || block == nil {
		return stateOrBubble(domain.BlockUndoneSent, err)
	}
	if block.Mute || target.Local || !source.Local {
		return domain.BlockUndoneSent, nil
	}

	inner := map[string]any{
		"id":     block.URI,
		"type":   "Block",
		"actor":  source.ActorURI,
		"object": target.ActorURI,
	}
	act := s.wrap("Undo", source.ActorURI, inner)
	if err := s.deliverActivity(ctx, source, target, act); err != nil {
		if IsTransient(err) {
			return "", nil
		}
		if IsRecoverable(err) {
			return domain.BlockUndoneSent, nil
		}
		return "", err
	}
	return domain.BlockUndoneSent, nil
}

func (s *Service) blockParties(ctx context.Context, id int64) (*domain.Block, *domain.Identity, *domain.Identity, error) {
	block, err := s.store.BlockById(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	if block == nil {
		return nil, nil, nil, nil
	}
	source, err := s.store.IdentityById(ctx, block.SourceId)
	if err != nil {
		return nil, nil, nil, err
	}
	target, err := s.store.IdentityById(ctx, block.TargetId)
	if err != nil {
		return nil, nil, nil, err
	}
	if source == nil || target == nil {
		return nil, nil, nil, nil
	}
	return block, source, target, nil
}
