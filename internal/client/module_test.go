package client

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestModuleRequest(t *testing.T) {
	dir := t.TempDir()
	adhoc := filepath.Join(dir, "uris.sjs")
	require.NoError(t, os.WriteFile(adhoc, []byte("cts.uris()"), 0644))

	tests := []struct {
		name    string
		ref     string
		root    string
		want    Request
		wantErr bool
	}{
		{name: "absolute module", ref: "/app/transform.xqy", root: "/ignored/", want: Request{Module: "/app/transform.xqy", Language: XQuery}},
		{name: "relative module under root", ref: "transform.sjs", root: "/app/", want: Request{Module: "/app/transform.sjs", Language: JavaScript}},
		{name: "relative module default root", ref: "t.xqy", want: Request{Module: "/t.xqy", Language: XQuery}},
		{name: "inline xquery", ref: "INLINE-XQUERY|fn:current-dateTime()", want: Request{Query: "fn:current-dateTime()", Language: XQuery}},
		{name: "inline javascript", ref: "INLINE-JAVASCRIPT|fn.currentDateTime()", want: Request{Query: "fn.currentDateTime()", Language: JavaScript}},
		{name: "adhoc file", ref: adhoc + "|ADHOC", want: Request{Query: "cts.uris()", Language: JavaScript}},
		{name: "missing adhoc file", ref: filepath.Join(dir, "nope.xqy") + "|ADHOC", wantErr: true},
		{name: "empty inline", ref: "INLINE-XQUERY|  ", wantErr: true},
		{name: "empty", ref: " ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ModuleRequest(tt.ref, tt.root)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}
