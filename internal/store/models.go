package store

import (
	"errors"
	"time"

	"zuzalu/api/internal/blocks"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// BlockRef points a beam at one of its content blocks.
type BlockRef struct {
	BlockID string `json:"blockID"`
	Order   int    `json:"order"`
}

type Beam struct {
	ID               string     `json:"id"`
	AppID            string     `json:"appID"`
	AuthorDID        string     `json:"authorDID"`
	Content          []BlockRef `json:"content"`
	Tags             []string   `json:"tags"`
	ReflectionsCount int        `json:"reflectionsCount"`
	Active           bool       `json:"active"`
	CreatedAt        time.Time  `json:"createdAt"`
}

type ContentBlock struct {
	ID        string           `json:"id"`
	AppID     string           `json:"appID"`
	AuthorDID string           `json:"authorDID"`
	Content   []blocks.Content `json:"content"`
	Active    bool             `json:"active"`
	CreatedAt time.Time        `json:"createdAt"`
}

// Reflection is a reply to a beam or to another reflection. IsReply is
// tri-state: legacy rows carry NULL.
type Reflection struct {
	ID        string           `json:"id"`
	BeamID    string           `json:"beamID"`
	ParentID  *string          `json:"reflection,omitempty"`
	AuthorDID string           `json:"authorDID"`
	Content   []blocks.Content `json:"content"`
	IsReply   *bool            `json:"isReply"`
	Active    bool             `json:"active"`
	CreatedAt time.Time        `json:"createdAt"`
}

type Profile struct {
	DID         string    `json:"did"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	AvatarURL   string    `json:"avatar,omitempty"`
	Links       []string  `json:"links,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// App is a hosting application. ReleaseMeta carries its access-control
// conditions, if any, as JSON.
type App struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"displayName"`
	ReleaseMeta string    `json:"releaseMeta,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type PageInfo struct {
	StartCursor     string `json:"startCursor"`
	EndCursor       string `json:"endCursor"`
	HasNextPage     bool   `json:"hasNextPage"`
	HasPreviousPage bool   `json:"hasPreviousPage"`
}

// Pagination selects a window of a connection. First/After page forward,
// Last/Before page backward.
type Pagination struct {
	First  int
	After  string
	Last   int
	Before string
}

type Sort string

const (
	SortNewest Sort = "newest"
	SortOldest Sort = "oldest"
)

// ReplyFilter selects reflections by their isReply flag.
type ReplyFilter int

const (
	AnyReflection ReplyFilter = iota
	// TopLevelOnly matches isReply false or NULL.
	TopLevelOnly
	RepliesOnly
)

type ReflectionQuery struct {
	Pagination
	Sort   Sort
	Filter ReplyFilter
}

type ReflectionEdge struct {
	Node   Reflection `json:"node"`
	Cursor string     `json:"cursor"`
}

type ReflectionConnection struct {
	Edges    []ReflectionEdge `json:"edges"`
	PageInfo PageInfo         `json:"pageInfo"`
}

type BeamReflections struct {
	ReflectionsCount int                  `json:"reflectionsCount"`
	Reflections      ReflectionConnection `json:"reflections"`
}

type NewContentBlock struct {
	AppID     string
	AuthorDID string
	Content   []blocks.Content
}

type NewBeam struct {
	AppID     string
	AuthorDID string
	Content   []BlockRef
	Tags      []string
}

type NewReflection struct {
	BeamID    string
	ParentID  string
	AuthorDID string
	Content   []blocks.Content
}
