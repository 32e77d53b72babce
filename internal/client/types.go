// Package client talks to the remote query service. A ContentSource hands
// out short-lived sessions; each session submits one request at a time and
// returns a Result that must be drained and closed before the session is
// released.
package client

import (
	"context"
	"strings"
)

// Language is the query language of an ad hoc request.
type Language string

const (
	XQuery     Language = "xquery"
	JavaScript Language = "javascript"
)

// LanguageFor picks the query language from a module path's extension.
func LanguageFor(path string) Language {
	p := strings.ToLower(path)
	if strings.HasSuffix(p, ".sjs") || strings.HasSuffix(p, ".js") {
		return JavaScript
	}
	return XQuery
}

// Request is one invocation. Exactly one of Module or Query is set.
type Request struct {
	Module    string
	Query     string
	Language  Language
	Variables map[string]string
}

// Item is one value of a result sequence.
type Item struct {
	Type        string // xs:string, element(), ...
	ContentType string
	Value       string
}

func (i Item) String() string { return i.Value }

// Result is a sequence of items, consumable once.
type Result interface {
	Next() bool
	Item() Item
	Err() error
	Close() error
}

// Session submits requests. Sessions are not safe for concurrent use.
type Session interface {
	Submit(ctx context.Context, req Request) (Result, error)
	Close() error
}

// ContentSource creates sessions against one server and database.
type ContentSource interface {
	NewSession() (Session, error)
}

// ReadAll drains r and closes it.
func ReadAll(r Result) ([]Item, error) {
	var items []Item
	for r.Next() {
		items = append(items, r.Item())
	}
	err := r.Err()
	if cerr := r.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}
	return items, nil
}
