package redis

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/vedrankolka/contract-mailer/pkg/customer"
)

const (
	fieldEmail  = "email"
	fieldName   = "name"
	fieldPrefix = "f:"
)

// Both scripts return -1 when the customer hash does not exist.
var annotateScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
for i = 1, #ARGV, 2 do
  redis.call("HSET", KEYS[1], ARGV[i], ARGV[i + 1])
end
return 1
`)

var annotateUnlessScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
if redis.call("HGET", KEYS[1], ARGV[1]) == ARGV[2] then
  return 0
end
for i = 3, #ARGV, 2 do
  redis.call("HSET", KEYS[1], ARGV[i], ARGV[i + 1])
end
return 1
`)

// Store keeps each customer in a hash at <prefix>:customer:<ref>.
type Store struct {
	client redis.UniversalClient
	prefix string
}

func NewStore(client redis.UniversalClient, prefix string) *Store {
	trimmed := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmed == "" {
		trimmed = "contract-mailer"
	}
	return &Store{client: client, prefix: trimmed}
}

func (s *Store) key(ref string) string {
	return fmt.Sprintf("%s:customer:%s", s.prefix, ref)
}

// Put writes a full customer record. It stands in for the upstream system
// when the hash is populated by a sync job.
func (s *Store) Put(ctx context.Context, r customer.Record) error {
	values := map[string]any{fieldEmail: r.Email, fieldName: r.Name}
	for k, v := range r.Fields {
		values[fieldPrefix+k] = v
	}
	return s.client.HSet(ctx, s.key(r.Ref), values).Err()
}

func (s *Store) Get(ctx context.Context, ref string) (*customer.Record, error) {
	values, err := s.client.HGetAll(ctx, s.key(ref)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall customer %q: %w", ref, err)
	}
	if len(values) == 0 {
		return nil, nil
	}

	r := &customer.Record{
		Ref:    ref,
		Email:  values[fieldEmail],
		Name:   values[fieldName],
		Fields: map[string]string{},
	}
	for k, v := range values {
		if name, ok := strings.CutPrefix(k, fieldPrefix); ok {
			r.Fields[name] = v
		}
	}
	return r, nil
}

func (s *Store) Annotate(ctx context.Context, ref string, fields map[string]string) error {
	res, err := annotateScript.Run(ctx, s.client, []string{s.key(ref)}, pairs(fields)...).Int64()
	if err != nil {
		return fmt.Errorf("annotate customer %q: %w", ref, err)
	}
	if res < 0 {
		return customer.ErrNotFound
	}
	return nil
}

func (s *Store) AnnotateUnless(ctx context.Context, ref, key, value string, fields map[string]string) (bool, error) {
	args := append([]any{fieldPrefix + key, value}, pairs(fields)...)
	res, err := annotateUnlessScript.Run(ctx, s.client, []string{s.key(ref)}, args...).Int64()
	if err != nil {
		return false, fmt.Errorf("conditionally annotate customer %q: %w", ref, err)
	}
	switch {
	case res < 0:
		return false, customer.ErrNotFound
	case res == 0:
		return false, nil
	default:
		return true, nil
	}
}

// pairs flattens fields into sorted field/value arguments.
func pairs(fields map[string]string) []any {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]any, 0, 2*len(keys))
	for _, k := range keys {
		args = append(args, fieldPrefix+k, fields[k])
	}
	return args
}
