package loader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marklogic/corb2/internal/client"
	"github.com/marklogic/corb2/internal/client/clienttest"
	"github.com/marklogic/corb2/internal/config"
)

func drain(t *testing.T, l Loader) []string {
	t.Helper()
	var uris []string
	for l.Next(context.Background()) {
		uris = append(uris, l.URI())
	}
	require.NoError(t, l.Err())
	return uris
}

func queryLoader(src client.ContentSource) *QueryLoader {
	return &QueryLoader{
		Source:     src,
		Module:     "uris.xqy",
		ModuleRoot: "/corb/",
		Collection: "docs",
		Variables:  map[string]string{"limit": "5"},
	}
}

func TestQueryLoaderHeader(t *testing.T) {
	tests := []struct {
		name      string
		stream    []string
		maxOpts   int
		wantRef   string
		wantTotal int
		wantProps map[string]string
		wantURIs  []string
		wantErr   error
	}{
		{
			name:      "options, batch ref and total",
			stream:    []string{"role.prop=value", "abc123", "42", "/a.xml"},
			wantRef:   "abc123",
			wantTotal: 42,
			wantProps: map[string]string{"role.prop": "value"},
			wantURIs:  []string{"/a.xml"},
		},
		{
			name:      "total only",
			stream:    []string{"2", "/a.xml", "/b.xml"},
			wantTotal: 2,
			wantProps: map[string]string{},
			wantURIs:  []string{"/a.xml", "/b.xml"},
		},
		{
			name:      "legacy xquery module option is renamed",
			stream:    []string{"XQUERY-MODULE.limit=7", "POST-BATCH-MODULE.tag=x", "1", "/a.xml"},
			wantTotal: 1,
			wantProps: map[string]string{"PROCESS-MODULE.limit": "7", "POST-BATCH-MODULE.tag": "x"},
			wantURIs:  []string{"/a.xml"},
		},
		{
			name:    "no numeric terminator",
			stream:  []string{"role.prop=value", "abc123"},
			wantErr: ErrNoTotalCount,
		},
		{
			name:    "second batch ref is not a count",
			stream:  []string{"ref-1", "ref-2", "10"},
			wantErr: ErrNoTotalCount,
		},
		{
			name:    "header longer than max opts",
			stream:  []string{"A-MODULE.a=1", "A-MODULE.b=2", "A-MODULE.c=3", "3"},
			maxOpts: 2,
			wantErr: ErrNoTotalCount,
		},
		{
			name:    "empty stream",
			stream:  nil,
			wantErr: ErrNoTotalCount,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := clienttest.New(func(ctx context.Context, req client.Request) ([]client.Item, error) {
				return clienttest.Strings(tt.stream...), nil
			})
			l := queryLoader(src)
			l.MaxOpts = tt.maxOpts

			err := l.Open(context.Background())
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				require.Zero(t, src.OpenSessions())
				require.Zero(t, src.OpenResults())
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.wantRef, l.BatchRef())
			require.Equal(t, tt.wantTotal, l.Total())
			require.Equal(t, tt.wantProps, l.Properties())
			require.Equal(t, tt.wantURIs, drain(t, l))

			require.NoError(t, l.Close())
			require.Zero(t, src.OpenSessions())
			require.Zero(t, src.OpenResults())
		})
	}
}

func TestQueryLoaderRequest(t *testing.T) {
	src := clienttest.New(func(ctx context.Context, req client.Request) ([]client.Item, error) {
		return clienttest.Strings("0"), nil
	})
	l := queryLoader(src)
	require.NoError(t, l.Open(context.Background()))
	defer l.Close()

	reqs := src.Requests()
	require.Len(t, reqs, 1)
	require.Equal(t, "/corb/uris.xqy", reqs[0].Module)
	require.Equal(t, map[string]string{
		"URIS":    "docs",
		"TYPE":    "COLLECTION",
		"PATTERN": `[,\s]+`,
		"limit":   "5",
	}, reqs[0].Variables)
}

func TestQueryLoaderTransportFailure(t *testing.T) {
	boom := &client.ConnectionError{Op: "submit", Err: errors.New("refused")}
	src := clienttest.New(func(ctx context.Context, req client.Request) ([]client.Item, error) {
		return nil, boom
	})
	err := queryLoader(src).Open(context.Background())

	var le *LoadError
	require.True(t, errors.As(err, &le))
	require.ErrorIs(t, err, boom)
	require.Zero(t, src.OpenSessions())
}

func TestQueryLoaderAppliesReplacements(t *testing.T) {
	src := clienttest.New(func(ctx context.Context, req client.Request) ([]client.Item, error) {
		return clienttest.Strings("2", "/old/a.xml", "/old/b.json"), nil
	})
	l := queryLoader(src)
	r, err := ParseReplacePattern(`^/old/,/new/,\.json$,.xml`)
	require.NoError(t, err)
	l.Replacer = r

	require.NoError(t, l.Open(context.Background()))
	defer l.Close()
	require.Equal(t, []string{"/new/a.xml", "/new/b.xml"}, drain(t, l))
}

func TestParseReplacePattern(t *testing.T) {
	_, err := ParseReplacePattern("a,b,c")
	require.ErrorIs(t, err, ErrInvalidReplacePattern)

	_, err = ParseReplacePattern("(,x")
	require.ErrorIs(t, err, ErrInvalidReplacePattern)

	r, err := ParseReplacePattern("")
	require.NoError(t, err)
	require.Equal(t, "/same", r.Apply("/same"))

	r, err = ParseReplacePattern(`(\d+),n$1`)
	require.NoError(t, err)
	require.Equal(t, "/doc/n12.xml", r.Apply("/doc/12.xml"))
}

func TestFileLoader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uris.txt")
	require.NoError(t, os.WriteFile(path, []byte("/a.xml\n\n  /b.xml  \n\t\n/c.xml"), 0644))

	l := &FileLoader{Path: path}
	require.NoError(t, l.Open(context.Background()))
	defer l.Close()

	require.Equal(t, 3, l.Total())
	require.Equal(t, []string{"/a.xml", "/b.xml", "/c.xml"}, drain(t, l))
}

func TestFileLoaderMissingFile(t *testing.T) {
	l := &FileLoader{Path: filepath.Join(t.TempDir(), "absent.txt")}
	err := l.Open(context.Background())
	var le *LoadError
	require.True(t, errors.As(err, &le))
}

func TestSliceLoader(t *testing.T) {
	l := NewSliceLoader("/a", "/b")
	require.NoError(t, l.Open(context.Background()))
	require.Equal(t, 2, l.Total())
	require.Equal(t, []string{"/a", "/b"}, drain(t, l))
}

func TestNew(t *testing.T) {
	src := clienttest.New(nil)

	l, err := New(src, config.FromMap(map[string]string{config.URIsModule: "u.xqy", config.URIsFile: "f.txt"}).Snapshot())
	require.NoError(t, err)
	require.IsType(t, &QueryLoader{}, l)

	l, err = New(src, config.FromMap(map[string]string{config.URIsFile: "f.txt"}).Snapshot())
	require.NoError(t, err)
	require.IsType(t, &FileLoader{}, l)

	_, err = New(src, config.FromMap(nil).Snapshot())
	require.ErrorIs(t, err, ErrNoSource)

	_, err = New(src, config.FromMap(map[string]string{
		config.URIsFile:           "f.txt",
		config.URIsReplacePattern: "odd",
	}).Snapshot())
	require.ErrorIs(t, err, ErrInvalidReplacePattern)
}
