// Package extract turns stored beams and reflections into readable entities:
// content blocks fetched and decoded, ciphertext decrypted where possible, and
// the author resolved to a profile.
package extract

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"zuzalu/api/internal/acc"
	"zuzalu/api/internal/blocks"
	"zuzalu/api/internal/obs"
	"zuzalu/api/internal/store"
)

// BlockFetcher loads content blocks by ID.
type BlockFetcher interface {
	GetContentBlockByID(ctx context.Context, blockID string) (store.ContentBlock, error)
}

// ProfileResolver maps an author DID to a profile.
type ProfileResolver interface {
	GetProfileByDID(ctx context.Context, did string) (store.Profile, error)
}

// Decrypter opens ciphertext envelopes under a condition set.
type Decrypter interface {
	DecryptString(ctx context.Context, envelope blocks.Envelope, conditions acc.Set) (string, error)
}

// Options selects the encrypted variant: with Conditions and a Decrypter every
// string value is treated as a ciphertext envelope.
type Options struct {
	Conditions acc.Set
	Decrypter  Decrypter
}

func (o Options) encrypted() bool {
	return len(o.Conditions) > 0 && o.Decrypter != nil
}

// Author is a resolved author. Profile is nil when resolution failed and only the DID is known.
type Author struct {
	DID     string         `json:"did"`
	Profile *store.Profile `json:"profile,omitempty"`
}

// DisplayName is the profile name, or the DID when no profile was found.
func (a Author) DisplayName() string {
	if a.Profile != nil && a.Profile.Name != "" {
		return a.Profile.Name
	}
	return a.DID
}

type ReadableBlock struct {
	BlockID string           `json:"blockID"`
	Order   int              `json:"order"`
	Content []blocks.Decoded `json:"content"`
}

// Readable is a beam ready for rendering. Blocks follow block order; a block
// that could not be fetched is nil.
type Readable struct {
	ID               string           `json:"id"`
	AppID            string           `json:"appID"`
	Author           Author           `json:"author"`
	Blocks           []*ReadableBlock `json:"content"`
	Tags             []string         `json:"tags"`
	ReflectionsCount int              `json:"reflectionsCount"`
	Active           bool             `json:"active"`
	CreatedAt        time.Time        `json:"createdAt"`
}

type ReadableReflection struct {
	ID        string           `json:"id"`
	BeamID    string           `json:"beamID"`
	ParentID  *string          `json:"reflection,omitempty"`
	Author    Author           `json:"author"`
	Content   []blocks.Decoded `json:"content"`
	IsReply   *bool            `json:"isReply"`
	Active    bool             `json:"active"`
	CreatedAt time.Time        `json:"createdAt"`
}

type Extractor struct {
	blocks   BlockFetcher
	profiles ProfileResolver
	decoder  *blocks.Decoder
	log      *zap.Logger
}

// New returns an extractor. profiles may be nil, in which case authors stay bare DIDs.
func New(fetcher BlockFetcher, profiles ProfileResolver, log *zap.Logger) *Extractor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Extractor{
		blocks:   fetcher,
		profiles: profiles,
		decoder:  blocks.NewDecoder(log),
		log:      log,
	}
}

// Beam fetches every block of beam concurrently and decodes it.
func (e *Extractor) Beam(ctx context.Context, beam store.Beam, opts Options) Readable {
	refs := make([]store.BlockRef, len(beam.Content))
	copy(refs, beam.Content)
	sort.SliceStable(refs, func(i, j int) bool { return refs[i].Order < refs[j].Order })

	out := Readable{
		ID:               beam.ID,
		AppID:            beam.AppID,
		Tags:             beam.Tags,
		ReflectionsCount: beam.ReflectionsCount,
		Active:           beam.Active,
		CreatedAt:        beam.CreatedAt,
		Blocks:           make([]*ReadableBlock, len(refs)),
	}

	var g errgroup.Group
	g.Go(func() error {
		out.Author = e.resolveAuthor(ctx, beam.AuthorDID)
		return nil
	})
	for i, ref := range refs {
		g.Go(func() error {
			out.Blocks[i] = e.block(ctx, beam.ID, ref, opts)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (e *Extractor) block(ctx context.Context, beamID string, ref store.BlockRef, opts Options) *ReadableBlock {
	block, err := e.blocks.GetContentBlockByID(ctx, ref.BlockID)
	if err != nil {
		level := e.log.Warn
		if errors.Is(err, store.ErrNotFound) {
			level = e.log.Info
		}
		level("content_block_fetch_failed",
			zap.String("beam_id", beamID),
			zap.String("block_id", ref.BlockID),
			zap.Error(err),
		)
		return nil
	}
	return &ReadableBlock{
		BlockID: ref.BlockID,
		Order:   ref.Order,
		Content: e.items(ctx, block.Content, opts),
	}
}

// Reflection decodes a reflection's inline content.
func (e *Extractor) Reflection(ctx context.Context, r store.Reflection, opts Options) ReadableReflection {
	out := ReadableReflection{
		ID:        r.ID,
		BeamID:    r.BeamID,
		ParentID:  r.ParentID,
		IsReply:   r.IsReply,
		Active:    r.Active,
		CreatedAt: r.CreatedAt,
	}
	var g errgroup.Group
	g.Go(func() error {
		out.Author = e.resolveAuthor(ctx, r.AuthorDID)
		return nil
	})
	g.Go(func() error {
		out.Content = e.items(ctx, r.Content, opts)
		return nil
	})
	_ = g.Wait()
	return out
}

func (e *Extractor) items(ctx context.Context, items []blocks.Content, opts Options) []blocks.Decoded {
	out := make([]blocks.Decoded, 0, len(items))
	for _, item := range items {
		if opts.encrypted() {
			out = append(out, e.decrypt(ctx, item, opts))
			continue
		}
		out = append(out, e.plain(item))
	}
	return out
}

// plain decodes an item without decrypting. Envelopes stay sealed.
func (e *Extractor) plain(item blocks.Content) blocks.Decoded {
	if raw, ok := item.StringValue(); ok {
		if env, ok := blocks.ParseEnvelope(raw); ok {
			return blocks.Decoded{Label: item.Label, PropertyType: item.PropertyType, Value: blocks.Sealed(env)}
		}
	}
	return e.decoder.Decode(item)
}

// decrypt opens one item. A value that is not an envelope passes through the
// plain decoder; a failed decrypt keeps the envelope as a Sealed value.
func (e *Extractor) decrypt(ctx context.Context, item blocks.Content, opts Options) blocks.Decoded {
	raw, ok := item.StringValue()
	if !ok || raw == "" {
		return e.decoder.Decode(item)
	}
	env, ok := blocks.ParseEnvelope(raw)
	if !ok {
		obs.DecryptOutcomes.WithLabelValues("not_envelope").Inc()
		e.log.Warn("content_not_encrypted",
			zap.String("label", item.Label),
			zap.String("property_type", string(item.PropertyType)),
		)
		return e.decoder.Decode(item)
	}

	plaintext, err := opts.Decrypter.DecryptString(ctx, env, opts.Conditions)
	if err != nil {
		obs.DecryptOutcomes.WithLabelValues("failed").Inc()
		e.log.Warn("content_decrypt_failed",
			zap.String("label", item.Label),
			zap.String("data_hash", env.DataToEncryptHash),
			zap.Error(err),
		)
		return blocks.Decoded{Label: item.Label, PropertyType: item.PropertyType, Value: blocks.Sealed(env)}
	}
	obs.DecryptOutcomes.WithLabelValues("ok").Inc()
	return e.decoder.DecodeString(item.Label, item.PropertyType, plaintext)
}

func (e *Extractor) resolveAuthor(ctx context.Context, did string) Author {
	author := Author{DID: did}
	if e.profiles == nil || did == "" {
		return author
	}
	profile, err := e.profiles.GetProfileByDID(ctx, did)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.log.Warn("profile_resolve_failed", zap.String("did", did), zap.Error(err))
		}
		return author
	}
	author.Profile = &profile
	return author
}
