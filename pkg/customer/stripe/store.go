package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"

	"github.com/vedrankolka/contract-mailer/pkg/customer"
)

// Store keeps annotations in Stripe customer metadata. Stripe merges
// metadata keys on update, so unrelated keys survive.
type Store struct {
	api *client.API
}

func NewStore(api *client.API) *Store {
	return &Store{api: api}
}

// NewStoreWithKey builds a Store on the default Stripe backends.
func NewStoreWithKey(secretKey string) *Store {
	return &Store{api: client.New(secretKey, nil)}
}

func (s *Store) Get(ctx context.Context, ref string) (*customer.Record, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx

	c, err := s.api.Customers.Get(ref, params)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("could not fetch customer by ID %q: %w", ref, err)
	}
	if c.Deleted {
		return nil, nil
	}

	fields := make(map[string]string, len(c.Metadata))
	for k, v := range c.Metadata {
		fields[k] = v
	}
	return &customer.Record{
		Ref:    c.ID,
		Email:  c.Email,
		Name:   c.Name,
		Fields: fields,
	}, nil
}

func (s *Store) Annotate(ctx context.Context, ref string, fields map[string]string) error {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	for k, v := range fields {
		params.AddMetadata(k, v)
	}

	if _, err := s.api.Customers.Update(ref, params); err != nil {
		if isNotFound(err) {
			return customer.ErrNotFound
		}
		return fmt.Errorf("could not update customer %q: %w", ref, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return false
	}
	return stripeErr.HTTPStatusCode == http.StatusNotFound || stripeErr.Code == stripe.ErrorCodeResourceMissing
}
