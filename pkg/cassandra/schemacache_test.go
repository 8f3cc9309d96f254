package cassandra

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

// fakeSession counts driver calls and replays canned responses.
type fakeSession struct {
	mtx       sync.Mutex
	describes atomic.Int64
	executed  []*Query
	results   []*Rows
	err       error
	blob      []byte
}

func (s *fakeSession) Execute(ctx context.Context, q *Query) (*Rows, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.executed = append(s.executed, q)
	if len(s.results) == 0 {
		return &Rows{}, nil
	}
	r := s.results[0]
	s.results = s.results[1:]
	return r, nil
}

func (s *fakeSession) ExecuteBatch(ctx context.Context, qs []*Query) error {
	return s.err
}

func (s *fakeSession) DescribeSchema(ctx context.Context) ([]byte, error) {
	s.describes.Inc()
	if s.err != nil {
		return nil, s.err
	}
	return s.blob, nil
}

func (s *fakeSession) Close() {}

func TestSchemaCacheLoadsOnce(t *testing.T) {
	session := &fakeSession{blob: []byte("schema-v1")}
	cache := NewSchemaCache()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		blob, err := cache.Describe(ctx, session)
		require.NoError(t, err)
		require.Equal(t, []byte("schema-v1"), blob)
	}
	require.EqualValues(t, 1, session.describes.Load())
}

func TestSchemaCacheInvalidateForcesReload(t *testing.T) {
	session := &fakeSession{blob: []byte("schema-v1")}
	cache := NewSchemaCache()
	ctx := context.Background()

	_, err := cache.Describe(ctx, session)
	require.NoError(t, err)

	session.blob = []byte("schema-v2")
	cache.Invalidate()
	cache.Invalidate() // idempotent

	blob, err := cache.Describe(ctx, session)
	require.NoError(t, err)
	require.Equal(t, []byte("schema-v2"), blob)
	require.EqualValues(t, 2, session.describes.Load())
}

func TestSchemaCacheConcurrentDescribe(t *testing.T) {
	session := &fakeSession{blob: []byte("schema")}
	cache := NewSchemaCache()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			blob, err := cache.Describe(context.Background(), session)
			require.NoError(t, err)
			require.Equal(t, []byte("schema"), blob)
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, session.describes.Load())
}
