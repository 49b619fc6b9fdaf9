package consumer

import (
	"errors"

	"github.com/latolukasz/beeorm-core/changeset"
	"github.com/latolukasz/beeorm-core/flush"
	"github.com/latolukasz/beeorm-core/schema"
	"github.com/latolukasz/beeorm-core/storage"
)

// Verdict is the classification of a replay failure.
type Verdict int

const (
	// Undecided passes the error on to the next resolver.
	Undecided Verdict = iota
	// Retry stops the batch and leaves the record in the queue.
	Retry
	// Terminal quarantines the record and continues with the next one.
	Terminal
)

func (v Verdict) String() string {
	switch v {
	case Retry:
		return "retry"
	case Terminal:
		return "terminal"
	default:
		return "undecided"
	}
}

// Resolver classifies replay errors. Resolvers run in registration order and
// the first decided verdict wins.
type Resolver interface {
	Resolve(err error) Verdict
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(err error) Verdict

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(err error) Verdict { return f(err) }

var terminalKinds = map[storage.Kind]bool{
	storage.KindDuplicateKey:  true,
	storage.KindForeignKey:    true,
	storage.KindUnknownTable:  true,
	storage.KindUnknownColumn: true,
	storage.KindSyntax:        true,
}

// DefaultResolver is consulted after the registered resolvers. Constraint
// and schema errors are terminal; everything else, including errors it does
// not recognize, is retried.
var DefaultResolver Resolver = ResolverFunc(func(err error) Verdict {
	switch {
	case errors.Is(err, flush.ErrDuplicateKey),
		errors.Is(err, flush.ErrForeignKey),
		errors.Is(err, flush.ErrQueryTimeout),
		errors.Is(err, changeset.ErrUnresolvedReference),
		errors.Is(err, schema.ErrUnknownEntity):
		return Terminal
	}
	if terminalKinds[storage.KindOf(err)] {
		return Terminal
	}
	return Retry
})

func (c *Consumer) classify(err error) Verdict {
	for _, r := range c.resolvers {
		if v := r.Resolve(err); v != Undecided {
			return v
		}
	}
	return DefaultResolver.Resolve(err)
}
