package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"zuzalu/api/internal/acc"
	"zuzalu/api/internal/blocks"
	"zuzalu/api/internal/chains"
	"zuzalu/api/internal/config"
	"zuzalu/api/internal/export"
	"zuzalu/api/internal/extract"
	"zuzalu/api/internal/markdown"
	"zuzalu/api/internal/reflections"
	"zuzalu/api/internal/search"
	"zuzalu/api/internal/store"
	"zuzalu/api/internal/threshold"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

type DataStore interface {
	reflections.Source
	Ping(context.Context) error
	GetBeamByID(context.Context, string) (store.Beam, error)
	ListBeams(ctx context.Context, appID string, limit, offset int) ([]store.Beam, error)
	CreateBeam(context.Context, store.NewBeam) (string, error)
	SetBeamActive(ctx context.Context, beamID string, active bool) error
	GetReflection(context.Context, string) (store.Reflection, error)
	CreateReflection(context.Context, store.NewReflection) (string, error)
	ListReflections(ctx context.Context, beamID string) ([]store.Reflection, error)
	GetProfileByDID(context.Context, string) (store.Profile, error)
	UpsertProfile(context.Context, store.Profile) error
	GetApp(context.Context, string) (store.App, error)
	ListApps(context.Context) ([]store.App, error)
	UpsertApp(context.Context, store.App) error
}

// BlockStore persists content blocks. Postgres and the git object store both satisfy it.
type BlockStore interface {
	GetContentBlockByID(ctx context.Context, blockID string) (store.ContentBlock, error)
	CreateContentBlock(ctx context.Context, in store.NewContentBlock) (string, error)
}

// Decryption hands out the shared client for a chain.
type Decryption interface {
	Acquire(ctx context.Context, chain string) (*threshold.Client, func(), error)
}

type Indexer interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexBeam(ctx context.Context, beam extract.Readable, gated bool)
	IndexReflection(ctx context.Context, r extract.ReadableReflection, appID string, gated bool)
	Delete(kind search.ResultType, id string)
}

type Exporter interface {
	Export(ctx context.Context, req export.Request) (*export.Result, error)
}

type ImageUploader interface {
	PutImage(ctx context.Context, name string, data []byte) (blocks.Image, error)
	MaxBytes() int64
}

// Deps are the collaborators of a Service. Blocks defaults to Store when it
// also stores blocks; Export defaults to the chromedp/pandoc exporter.
// Decryption, Search and Media are optional.
type Deps struct {
	Store      DataStore
	Blocks     BlockStore
	Chains     acc.ChainLister
	Decryption Decryption
	Search     Indexer
	Export     Exporter
	Media      ImageUploader
	Logger     *zap.Logger
}

type Service struct {
	cfg        config.Config
	store      DataStore
	blocks     BlockStore
	chains     acc.ChainLister
	decryption Decryption
	search     Indexer
	export     Exporter
	media      ImageUploader
	extractor  *extract.Extractor
	tree       *reflections.Builder
	log        *zap.Logger
}

func New(cfg config.Config, deps Deps) *Service {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	blockStore := deps.Blocks
	if blockStore == nil {
		if bs, ok := deps.Store.(BlockStore); ok {
			blockStore = bs
		}
	}
	extractor := extract.New(blockStore, deps.Store, log.Named("extract"))
	tree := reflections.NewBuilder(deps.Store, extractor, reflections.Config{
		TopLevelPageSize: cfg.TopLevelPageSize,
		ChildPageSize:    cfg.ChildPageSize,
		Logger:           log.Named("reflections"),
	})
	exporter := deps.Export
	if exporter == nil {
		exporter = export.NewService(deps.Store, extractor, tree, export.Options{
			ChromePath: cfg.ExportChromePath,
			PandocPath: cfg.PandocPath,
			Logger:     log.Named("export"),
		})
	}
	return &Service{
		cfg:        cfg,
		store:      deps.Store,
		blocks:     blockStore,
		chains:     deps.Chains,
		decryption: deps.Decryption,
		search:     deps.Search,
		export:     exporter,
		media:      deps.Media,
		extractor:  extractor,
		tree:       tree,
		log:        log,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Bootstrap registers the configured default app when it does not exist yet.
func (s *Service) Bootstrap(ctx context.Context) error {
	if s.cfg.DefaultAppID == "" {
		return nil
	}
	_, err := s.store.GetApp(ctx, s.cfg.DefaultAppID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load default app: %w", err)
	}
	if err := s.UpsertApp(ctx, store.App{
		ID:          s.cfg.DefaultAppID,
		Name:        s.cfg.DefaultAppName,
		DisplayName: s.cfg.DefaultAppName,
		ReleaseMeta: s.cfg.DefaultAppReleaseMeta,
	}); err != nil {
		return fmt.Errorf("register default app: %w", err)
	}
	s.log.Info("default_app_registered", zap.String("app_id", s.cfg.DefaultAppID))
	return nil
}

func (s *Service) Chains(ctx context.Context) ([]chains.Chain, error) {
	return s.chains.ListSupportedChains(ctx)
}

// ValidateConditions parses release metadata and checks every condition
// against the chain registry.
func (s *Service) ValidateConditions(ctx context.Context, raw string) (acc.Set, error) {
	set, err := s.releaseConditions(ctx, raw)
	if err != nil {
		return nil, err
	}
	if len(set) == 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "NO_CONDITIONS", "No access control conditions declared", nil)
	}
	return set, nil
}

// releaseConditions is ValidateConditions without the emptiness check.
func (s *Service) releaseConditions(ctx context.Context, raw string) (acc.Set, error) {
	set, err := acc.FromReleaseMetadata(raw)
	if errors.Is(err, acc.ErrNoConditions) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := acc.Validate(ctx, set, s.chains); err != nil {
		return nil, err
	}
	return set, nil
}

// UpsertApp stores an app after validating any conditions its release metadata declares.
func (s *Service) UpsertApp(ctx context.Context, item store.App) error {
	item.ID = strings.TrimSpace(item.ID)
	if item.ID == "" {
		return badRequest("INVALID_APP", "App id is required")
	}
	if _, err := s.releaseConditions(ctx, item.ReleaseMeta); err != nil {
		return err
	}
	return s.store.UpsertApp(ctx, item)
}

func (s *Service) UpsertProfile(ctx context.Context, item store.Profile) error {
	item.DID = strings.TrimSpace(item.DID)
	if item.DID == "" {
		return badRequest("INVALID_PROFILE", "Profile did is required")
	}
	return s.store.UpsertProfile(ctx, item)
}

// appConditions returns the app's condition set, nil when it is ungated or unknown.
func (s *Service) appConditions(ctx context.Context, appID string) (acc.Set, error) {
	if appID == "" {
		return nil, nil
	}
	item, err := s.store.GetApp(ctx, appID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load app %s: %w", appID, err)
	}
	set, err := acc.FromReleaseMetadata(item.ReleaseMeta)
	if errors.Is(err, acc.ErrNoConditions) {
		return nil, nil
	}
	return set, err
}

func noRelease() {}

type credentialKey struct{}

// WithCredential attaches a reader's decryption credential to ctx. Gated
// content read under ctx is decrypted on that reader's behalf.
func WithCredential(ctx context.Context, cred threshold.Credential) context.Context {
	return context.WithValue(ctx, credentialKey{}, cred)
}

func credentialFrom(ctx context.Context) (threshold.Credential, bool) {
	cred, ok := ctx.Value(credentialKey{}).(threshold.Credential)
	return cred, ok
}

// readOptions picks the extraction variant for an app. Gated apps are
// decrypted only for a reader who presented a session credential; the
// network evaluates the conditions against that reader's address. Without
// one the envelopes stay sealed.
func (s *Service) readOptions(ctx context.Context, appID string) (extract.Options, bool, func()) {
	conditions, err := s.appConditions(ctx, appID)
	if err != nil {
		s.log.Warn("app_conditions_unreadable", zap.String("app_id", appID), zap.Error(err))
		return extract.Options{}, true, noRelease
	}
	if len(conditions) == 0 {
		return extract.Options{}, false, noRelease
	}
	opts := extract.Options{Conditions: conditions}
	cred, ok := credentialFrom(ctx)
	if !ok || s.decryption == nil {
		return opts, true, noRelease
	}
	client, release, err := s.decryption.Acquire(ctx, conditions.Chain())
	if err != nil {
		s.log.Warn("decryption_unavailable", zap.String("app_id", appID), zap.Error(err))
		return opts, true, noRelease
	}
	reader, err := client.ReaderFor(cred)
	if err != nil {
		s.log.Debug("decryption_credential_unusable", zap.String("app_id", appID), zap.String("address", cred.Address), zap.Error(err))
		release()
		return opts, true, noRelease
	}
	opts.Decrypter = reader
	return opts, true, release
}

// activeBeam loads a beam and hides soft-deleted ones as not found.
func (s *Service) activeBeam(ctx context.Context, beamID string) (store.Beam, error) {
	beam, err := s.store.GetBeamByID(ctx, beamID)
	if err != nil {
		return store.Beam{}, err
	}
	if !beam.Active {
		return store.Beam{}, store.ErrNotFound
	}
	return beam, nil
}

func (s *Service) GetBeam(ctx context.Context, beamID string) (extract.Readable, error) {
	beam, err := s.activeBeam(ctx, beamID)
	if err != nil {
		return extract.Readable{}, err
	}
	opts, _, release := s.readOptions(ctx, beam.AppID)
	defer release()
	return s.extractor.Beam(ctx, beam, opts), nil
}

// ListBeams returns one page of an app's beams, newest first.
func (s *Service) ListBeams(ctx context.Context, appID string, limit, offset int) ([]extract.Readable, error) {
	limit = clampLimit(limit)
	if offset < 0 {
		offset = 0
	}
	beams, err := s.store.ListBeams(ctx, appID, limit, offset)
	if err != nil {
		return nil, err
	}
	opts, _, release := s.readOptions(ctx, appID)
	defer release()
	out := make([]extract.Readable, 0, len(beams))
	for _, beam := range beams {
		out = append(out, s.extractor.Beam(ctx, beam, opts))
	}
	return out, nil
}

func (s *Service) BeamMarkdown(ctx context.Context, beamID string) (markdown.Result, error) {
	readable, err := s.GetBeam(ctx, beamID)
	if err != nil {
		return markdown.Result{}, err
	}
	return markdown.BeamToMarkdown(readable.Blocks), nil
}

type ReflectionsParams struct {
	store.Pagination
	Sort store.Sort
	// Tree expands every top-level reply recursively.
	Tree bool
}

func (s *Service) BeamReflections(ctx context.Context, beamID string, params ReflectionsParams) (reflections.Page, error) {
	beam, err := s.activeBeam(ctx, beamID)
	if err != nil {
		return reflections.Page{}, err
	}
	opts, _, release := s.readOptions(ctx, beam.AppID)
	defer release()

	q := store.ReflectionQuery{Pagination: params.Pagination, Sort: params.Sort}
	treeOpts := reflections.Options{Extract: opts, MaxDepth: s.cfg.MaxTreeDepth}
	if params.Tree {
		return s.tree.BeamTree(ctx, beam.ID, q, treeOpts), nil
	}
	return s.tree.TopLevel(ctx, beam.ID, q, treeOpts), nil
}

func (s *Service) ReflectionChildren(ctx context.Context, reflectionID string, p store.Pagination, recursive bool) (reflections.Page, error) {
	parent, err := s.store.GetReflection(ctx, reflectionID)
	if err != nil {
		return reflections.Page{}, err
	}
	beam, err := s.activeBeam(ctx, parent.BeamID)
	if err != nil {
		return reflections.Page{}, err
	}
	opts, _, release := s.readOptions(ctx, beam.AppID)
	defer release()

	treeOpts := reflections.Options{Extract: opts, MaxDepth: s.cfg.MaxTreeDepth}
	if recursive {
		return s.tree.Tree(ctx, parent.ID, p, treeOpts), nil
	}
	return s.tree.Children(ctx, parent.ID, p, treeOpts), nil
}

// ContentInput is one content item as clients submit it. Value is a slate
// node list, an image block, or a raw string kept as text.
type ContentInput struct {
	Label        string              `json:"label"`
	PropertyType blocks.PropertyType `json:"propertyType"`
	Value        json.RawMessage     `json:"value"`
}

func (in ContentInput) decode() (blocks.Value, error) {
	raw := strings.TrimSpace(string(in.Value))
	if raw == "" || raw == "null" {
		return nil, fmt.Errorf("content %q has no value", in.Label)
	}
	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal([]byte(raw), &text); err != nil {
			return nil, fmt.Errorf("content %q: %w", in.Label, err)
		}
		return blocks.TextValue(text), nil
	}
	switch in.PropertyType {
	case blocks.PropertySlate:
		var nodes []blocks.Node
		if err := json.Unmarshal([]byte(raw), &nodes); err != nil {
			return nil, fmt.Errorf("content %q: slate value must be a node list", in.Label)
		}
		return blocks.Slate(nodes), nil
	case blocks.PropertyImage:
		var block blocks.ImageBlock
		if err := json.Unmarshal([]byte(raw), &block); err != nil {
			return nil, fmt.Errorf("content %q: image value must be an image block", in.Label)
		}
		return blocks.ImageValue(block), nil
	default:
		return nil, fmt.Errorf("content %q: unknown property type %q", in.Label, in.PropertyType)
	}
}

// encodeItems encodes every item and, when conditions are given, replaces
// each value with its ciphertext envelope.
func (s *Service) encodeItems(ctx context.Context, inputs []ContentInput, conditions acc.Set) ([]blocks.Content, error) {
	if len(inputs) == 0 {
		return nil, badRequest("INVALID_CONTENT", "Content is required")
	}
	items := make([]blocks.Content, 0, len(inputs))
	for _, in := range inputs {
		value, err := in.decode()
		if err != nil {
			return nil, badRequest("INVALID_CONTENT", err.Error())
		}
		item, err := blocks.EncodeContent(in.Label, value)
		if err != nil {
			return nil, badRequest("INVALID_CONTENT", err.Error())
		}
		if in.PropertyType.Valid() {
			item.PropertyType = in.PropertyType
		}
		items = append(items, item)
	}
	if len(conditions) == 0 {
		return items, nil
	}

	if s.decryption == nil {
		return nil, domainError(http.StatusServiceUnavailable, "ENCRYPTION_UNAVAILABLE", "Decryption network not configured", nil)
	}
	client, release, err := s.decryption.Acquire(ctx, conditions.Chain())
	if err != nil {
		return nil, err
	}
	defer release()
	for i, item := range items {
		plaintext, _ := item.StringValue()
		if plaintext == "" {
			continue
		}
		env, err := client.EncryptString(ctx, plaintext, conditions)
		if err != nil {
			return nil, fmt.Errorf("encrypt %q: %w", item.Label, err)
		}
		items[i] = item.WithStringValue(env.String())
	}
	return items, nil
}

type CreateBeamInput struct {
	AppID     string         `json:"appId"`
	AuthorDID string         `json:"authorDid"`
	Tags      []string       `json:"tags"`
	Content   []ContentInput `json:"content"`
}

// CreateBeam stores one content block per item, then the beam referencing
// them in submission order.
func (s *Service) CreateBeam(ctx context.Context, in CreateBeamInput) (extract.Readable, error) {
	if in.AppID == "" {
		in.AppID = s.cfg.DefaultAppID
	}
	if strings.TrimSpace(in.AuthorDID) == "" {
		return extract.Readable{}, badRequest("INVALID_AUTHOR", "Author did is required")
	}
	conditions, err := s.appConditions(ctx, in.AppID)
	if err != nil {
		return extract.Readable{}, err
	}
	items, err := s.encodeItems(ctx, in.Content, conditions)
	if err != nil {
		return extract.Readable{}, err
	}

	refs := make([]store.BlockRef, 0, len(items))
	for i, item := range items {
		blockID, err := s.blocks.CreateContentBlock(ctx, store.NewContentBlock{
			AppID:     in.AppID,
			AuthorDID: in.AuthorDID,
			Content:   []blocks.Content{item},
		})
		if err != nil {
			return extract.Readable{}, fmt.Errorf("store block %d: %w", i, err)
		}
		refs = append(refs, store.BlockRef{BlockID: blockID, Order: i})
	}

	beamID, err := s.store.CreateBeam(ctx, store.NewBeam{
		AppID:     in.AppID,
		AuthorDID: in.AuthorDID,
		Content:   refs,
		Tags:      in.Tags,
	})
	if err != nil {
		return extract.Readable{}, err
	}
	s.log.Info("beam_created",
		zap.String("beam_id", beamID),
		zap.String("app_id", in.AppID),
		zap.Int("blocks", len(refs)),
		zap.Bool("encrypted", len(conditions) > 0),
	)

	readable, err := s.GetBeam(ctx, beamID)
	if err != nil {
		return extract.Readable{}, err
	}
	if s.search != nil {
		s.search.IndexBeam(ctx, readable, len(conditions) > 0)
	}
	return readable, nil
}

type CreateReflectionInput struct {
	BeamID    string         `json:"beamId"`
	ParentID  string         `json:"parentId"`
	AuthorDID string         `json:"authorDid"`
	Content   []ContentInput `json:"content"`
}

// CreateReflection stores a reply inline. A reply to another reflection must
// stay under the same beam.
func (s *Service) CreateReflection(ctx context.Context, in CreateReflectionInput) (extract.ReadableReflection, error) {
	if strings.TrimSpace(in.AuthorDID) == "" {
		return extract.ReadableReflection{}, badRequest("INVALID_AUTHOR", "Author did is required")
	}
	beam, err := s.store.GetBeamByID(ctx, in.BeamID)
	if err != nil {
		return extract.ReadableReflection{}, err
	}
	if in.ParentID != "" {
		parent, err := s.store.GetReflection(ctx, in.ParentID)
		if err != nil {
			return extract.ReadableReflection{}, err
		}
		if parent.BeamID != beam.ID {
			return extract.ReadableReflection{}, domainError(http.StatusUnprocessableEntity, "PARENT_MISMATCH", "Parent reflection belongs to another beam", nil)
		}
	}
	conditions, err := s.appConditions(ctx, beam.AppID)
	if err != nil {
		return extract.ReadableReflection{}, err
	}
	items, err := s.encodeItems(ctx, in.Content, conditions)
	if err != nil {
		return extract.ReadableReflection{}, err
	}
	id, err := s.store.CreateReflection(ctx, store.NewReflection{
		BeamID:    beam.ID,
		ParentID:  in.ParentID,
		AuthorDID: in.AuthorDID,
		Content:   items,
	})
	if err != nil {
		return extract.ReadableReflection{}, err
	}
	stored, err := s.store.GetReflection(ctx, id)
	if err != nil {
		return extract.ReadableReflection{}, err
	}

	opts, gated, release := s.readOptions(ctx, beam.AppID)
	defer release()
	readable := s.extractor.Reflection(ctx, stored, opts)
	if s.search != nil {
		s.search.IndexReflection(ctx, readable, beam.AppID, gated)
	}
	s.log.Info("reflection_created",
		zap.String("reflection_id", id),
		zap.String("beam_id", beam.ID),
		zap.Bool("reply", in.ParentID != ""),
	)
	return readable, nil
}

// SetBeamActive soft-deletes or restores a beam and keeps the search index in step.
func (s *Service) SetBeamActive(ctx context.Context, beamID string, active bool) error {
	beam, err := s.store.GetBeamByID(ctx, beamID)
	if err != nil {
		return err
	}
	if err := s.store.SetBeamActive(ctx, beam.ID, active); err != nil {
		return err
	}
	if s.search == nil {
		return nil
	}
	if !active {
		s.search.Delete(search.ResultBeam, beam.ID)
		return nil
	}
	readable, err := s.GetBeam(ctx, beam.ID)
	if err != nil {
		return err
	}
	conditions, err := s.appConditions(ctx, beam.AppID)
	if err != nil {
		return err
	}
	s.search.IndexBeam(ctx, readable, len(conditions) > 0)
	return nil
}

// SignInChallenge is the message a reader's wallet signs to open a session.
type SignInChallenge struct {
	Chain     string    `json:"chain"`
	Address   string    `json:"address"`
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type SessionInfo struct {
	Chain     string    `json:"chain"`
	Address   string    `json:"address"`
	ExpiresAt time.Time `json:"expiresAt"`
	Token     string    `json:"token"`
}

// sessionClient resolves chain and acquires its client for the sign-in flow.
func (s *Service) sessionClient(ctx context.Context, chain string) (string, *threshold.Client, func(), error) {
	if chain == "" {
		chain = s.cfg.NonceChain
	}
	if s.decryption == nil {
		return "", nil, nil, domainError(http.StatusServiceUnavailable, "NETWORK_UNAVAILABLE", "Decryption network not configured", nil)
	}
	supported, err := s.chains.ListSupportedChains(ctx)
	if err != nil {
		return "", nil, nil, err
	}
	known := false
	for _, c := range supported {
		if c.Identifier == chain {
			known = true
			break
		}
	}
	if !known {
		return "", nil, nil, domainError(http.StatusUnprocessableEntity, "UNSUPPORTED_CHAIN", fmt.Sprintf("Chain %q is not supported", chain), nil)
	}
	client, release, err := s.decryption.Acquire(ctx, chain)
	if err != nil {
		return "", nil, nil, err
	}
	return chain, client, release, nil
}

// SignInChallenge prepares the sign-in message for address on chain.
func (s *Service) SignInChallenge(ctx context.Context, chain, address string) (SignInChallenge, error) {
	if !chains.IsAddress(strings.TrimSpace(address)) {
		return SignInChallenge{}, badRequest("INVALID_ADDRESS", "A valid wallet address is required")
	}
	chain, client, release, err := s.sessionClient(ctx, chain)
	if err != nil {
		return SignInChallenge{}, err
	}
	defer release()
	msg, err := client.PrepareSignIn(ctx, strings.TrimSpace(address))
	if err != nil {
		return SignInChallenge{}, err
	}
	text, err := msg.Text()
	if err != nil {
		return SignInChallenge{}, err
	}
	return SignInChallenge{
		Chain:     chain,
		Address:   msg.Address,
		Message:   text,
		ExpiresAt: msg.ExpirationTime.UTC(),
	}, nil
}

// StartSession exchanges a signed challenge for the reader's session. The
// token goes back to the reader, who presents it on later reads; the service
// keeps no session of its own.
func (s *Service) StartSession(ctx context.Context, chain, message, signature string) (SessionInfo, error) {
	if strings.TrimSpace(message) == "" || strings.TrimSpace(signature) == "" {
		return SessionInfo{}, badRequest("INVALID_SIGN_IN", "A signed sign-in message is required")
	}
	chain, client, release, err := s.sessionClient(ctx, chain)
	if err != nil {
		return SessionInfo{}, err
	}
	defer release()
	cred, err := client.OpenSession(ctx, message, strings.TrimSpace(signature))
	if err != nil {
		return SessionInfo{}, err
	}
	token, err := cred.Token()
	if err != nil {
		return SessionInfo{}, err
	}
	s.log.Info("reader_session_opened", zap.String("chain", chain), zap.String("address", cred.Address))
	return SessionInfo{
		Chain:     chain,
		Address:   cred.Address,
		ExpiresAt: cred.ExpiresAt.UTC(),
		Token:     token,
	}, nil
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(ctx, q)
}

// ReindexApp rebuilds the search records of every beam and reflection of an
// ungated app and returns how many entities were submitted.
func (s *Service) ReindexApp(ctx context.Context, appID string) (int, error) {
	if s.search == nil {
		return 0, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search not configured", nil)
	}
	conditions, err := s.appConditions(ctx, appID)
	if err != nil {
		return 0, err
	}
	if len(conditions) > 0 {
		return 0, nil
	}

	count := 0
	for offset := 0; ; offset += maxListLimit {
		beams, err := s.store.ListBeams(ctx, appID, maxListLimit, offset)
		if err != nil {
			return count, err
		}
		for _, beam := range beams {
			if !beam.Active {
				continue
			}
			s.search.IndexBeam(ctx, s.extractor.Beam(ctx, beam, extract.Options{}), false)
			count++
			replies, err := s.store.ListReflections(ctx, beam.ID)
			if err != nil {
				return count, err
			}
			for _, r := range replies {
				s.search.IndexReflection(ctx, s.extractor.Reflection(ctx, r, extract.Options{}), appID, false)
				count++
			}
		}
		if len(beams) < maxListLimit {
			break
		}
	}
	s.log.Info("app_reindexed", zap.String("app_id", appID), zap.Int("entities", count))
	return count, nil
}

// ReindexAll reindexes every registered app. It backs the scheduled reindex.
func (s *Service) ReindexAll(ctx context.Context) error {
	apps, err := s.store.ListApps(ctx)
	if err != nil {
		return err
	}
	for _, item := range apps {
		if _, err := s.ReindexApp(ctx, item.ID); err != nil {
			return fmt.Errorf("reindex %s: %w", item.ID, err)
		}
	}
	return nil
}

func (s *Service) Export(ctx context.Context, beamID, format string) (*export.Result, error) {
	f, err := export.ParseFormat(format)
	if err != nil {
		return nil, err
	}
	beam, err := s.activeBeam(ctx, beamID)
	if err != nil {
		return nil, err
	}
	opts, _, release := s.readOptions(ctx, beam.AppID)
	defer release()
	return s.export.Export(ctx, export.Request{
		BeamID:             beam.ID,
		Format:             f,
		IncludeReflections: true,
		Extract:            opts,
		MaxDepth:           s.cfg.MaxTreeDepth,
	})
}

func (s *Service) UploadImage(ctx context.Context, name string, data []byte) (blocks.Image, error) {
	if s.media == nil {
		return blocks.Image{}, domainError(http.StatusServiceUnavailable, "MEDIA_UNAVAILABLE", "Media storage not configured", nil)
	}
	return s.media.PutImage(ctx, name, data)
}

// MaxUploadBytes is the upload size limit, 0 when media is not configured.
func (s *Service) MaxUploadBytes() int64 {
	if s.media == nil {
		return 0
	}
	return s.media.MaxBytes()
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
