package store

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// Page is the persisted record for one published content file.
type Page struct {
	ID          string         `json:"id"`
	SourcePath  string         `json:"sourcePath"`
	LoopID      string         `json:"loopId"`
	Domain      string         `json:"domain"`
	Title       string         `json:"title"`
	Slug        string         `json:"slug"`
	Metadata    map[string]any `json:"metadata"`
	ContentHash string         `json:"contentHash"`
	BlockCount  int            `json:"blockCount"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// PageInput is written by UpsertPage and PublishPage, keyed by SourcePath.
type PageInput struct {
	SourcePath  string
	LoopID      string
	Domain      string
	Title       string
	Slug        string
	Metadata    map[string]any
	ContentHash string
	BlockCount  int
}
