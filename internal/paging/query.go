// Package paging implements keyset pagination over notes with opaque,
// fingerprinted cursors.
package paging

import (
	"errors"
	"sort"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/quire/internal/apperr"
	"github.com/starford/quire/internal/search"
)

// SortField is a column notes can be ordered by.
type SortField string

const (
	SortUpdated SortField = "updated_at"
	SortCreated SortField = "created_at"
	SortTitle   SortField = "title"
)

// Direction is the sort direction.
type Direction string

const (
	Desc Direction = "desc"
	Asc  Direction = "asc"
)

// DeletedMode selects how soft-deleted notes are treated.
type DeletedMode string

const (
	DeletedExclude DeletedMode = "exclude"
	DeletedInclude DeletedMode = "include"
	DeletedOnly    DeletedMode = "only"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 200
)

// Filter restricts the notes a query returns. Time ranges are half-open:
// From is inclusive, To exclusive.
type Filter struct {
	Text           string      `json:"text,omitempty"`
	Substring      string      `json:"substring,omitempty"`
	CreatedFrom    *time.Time  `json:"created_from,omitempty"`
	CreatedTo      *time.Time  `json:"created_to,omitempty"`
	UpdatedFrom    *time.Time  `json:"updated_from,omitempty"`
	UpdatedTo      *time.Time  `json:"updated_to,omitempty"`
	Deleted        DeletedMode `json:"deleted,omitempty"`
	HasAttachments *bool       `json:"has_attachments,omitempty"`
}

// Query is a filter plus a sort order.
type Query struct {
	Filter Filter    `json:"filter"`
	Sort   SortField `json:"sort,omitempty"`
	Dir    Direction `json:"dir,omitempty"`
}

// Normalize fills defaults, canonicalizes the search text and times, and
// validates the result. Two queries that select the same notes in the same
// order normalize to equal values.
func (q Query) Normalize() (Query, error) {
	if q.Sort == "" {
		q.Sort = SortUpdated
	}
	if q.Dir == "" {
		q.Dir = Desc
		if q.Sort == SortTitle {
			q.Dir = Asc
		}
	}
	if q.Filter.Deleted == "" {
		q.Filter.Deleted = DeletedExclude
	}
	q.Filter.Text = strings.Join(search.Tokenize(q.Filter.Text), " ")
	q.Filter.Substring = strings.Join(strings.Fields(search.Normalize(q.Filter.Substring)), " ")
	for _, t := range []**time.Time{&q.Filter.CreatedFrom, &q.Filter.CreatedTo, &q.Filter.UpdatedFrom, &q.Filter.UpdatedTo} {
		if *t != nil {
			u := (*t).UTC()
			*t = &u
		}
	}

	err := validation.ValidateStruct(&q,
		validation.Field(&q.Sort, validation.In(SortUpdated, SortCreated, SortTitle)),
		validation.Field(&q.Dir, validation.In(Desc, Asc)),
	)
	if err == nil {
		err = validation.ValidateStruct(&q.Filter,
			validation.Field(&q.Filter.Deleted, validation.In(DeletedExclude, DeletedInclude, DeletedOnly)),
		)
	}
	if err != nil {
		return Query{}, toValidation(err)
	}
	if rangeInverted(q.Filter.CreatedFrom, q.Filter.CreatedTo) {
		return Query{}, apperr.Validation("created_to", "must not be before created_from")
	}
	if rangeInverted(q.Filter.UpdatedFrom, q.Filter.UpdatedTo) {
		return Query{}, apperr.Validation("updated_to", "must not be before updated_from")
	}
	return q, nil
}

// PageSize applies the default and the upper bound to a requested size.
func PageSize(n int) (int, error) {
	switch {
	case n < 0:
		return 0, apperr.Validation("page_size", "must not be negative")
	case n == 0:
		return DefaultPageSize, nil
	case n > MaxPageSize:
		return MaxPageSize, nil
	}
	return n, nil
}

func rangeInverted(from, to *time.Time) bool {
	return from != nil && to != nil && to.Before(*from)
}

func toValidation(err error) error {
	var verrs validation.Errors
	if !errors.As(err, &verrs) {
		return apperr.Validation("query", "%v", err)
	}
	keys := make([]string, 0, len(verrs))
	for k := range verrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return apperr.Validation(keys[0], "%v", verrs[keys[0]])
}
