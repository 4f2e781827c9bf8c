package remediation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// graphFake doubles the Graph mail API for one mailbox.
type graphFake struct {
	mu          sync.Mutex
	folders     []graphFolder
	categories  []string
	moves       []string
	patches     [][]string
	folderLists int
	moveCode    int
}

func (f *graphFake) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch {
		case r.URL.Path == "/users/sec@corp.example/mailFolders" && r.Method == http.MethodGet:
			f.folderLists++
			json.NewEncoder(w).Encode(graphFolderList{Value: f.folders})
		case r.URL.Path == "/users/sec@corp.example/mailFolders" && r.Method == http.MethodPost:
			var req map[string]string
			json.NewDecoder(r.Body).Decode(&req)
			created := graphFolder{ID: "folder-99", DisplayName: req["displayName"]}
			f.folders = append(f.folders, created)
			json.NewEncoder(w).Encode(created)
		case strings.HasSuffix(r.URL.Path, "/move"):
			if f.moveCode != 0 {
				http.Error(w, `{"error":{"code":"ErrorItemNotFound"}}`, f.moveCode)
				return
			}
			var req map[string]string
			json.NewDecoder(r.Body).Decode(&req)
			f.moves = append(f.moves, req["destinationId"])
			w.Write([]byte(`{}`))
		case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/messages/"):
			json.NewEncoder(w).Encode(graphMessage{Categories: f.categories})
		case r.Method == http.MethodPatch:
			var msg graphMessage
			json.NewDecoder(r.Body).Decode(&msg)
			f.patches = append(f.patches, msg.Categories)
			f.categories = msg.Categories
			w.Write([]byte(`{}`))
		default:
			http.NotFound(w, r)
		}
	})
}

func newGraphProvider(t *testing.T, fake *graphFake) *GraphProvider {
	t.Helper()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	return NewGraphProvider(srv.Client(), nil, StaticTokenSource("test-token"), srv.URL, "sec@corp.example")
}

func TestGraphMoveToCreatesFolderOnce(t *testing.T) {
	fake := &graphFake{}
	p := newGraphProvider(t, fake)

	require.NoError(t, p.MoveTo(context.Background(), "Quarantine", "msg-1"))
	require.NoError(t, p.MoveTo(context.Background(), "Quarantine", "msg-2"))

	assert.Equal(t, []string{"folder-99", "folder-99"}, fake.moves)
	assert.Equal(t, 1, fake.folderLists)
}

func TestGraphMoveToFindsExistingFolder(t *testing.T) {
	fake := &graphFake{folders: []graphFolder{{ID: "folder-7", DisplayName: "Quarantine"}}}
	p := newGraphProvider(t, fake)

	require.NoError(t, p.MoveTo(context.Background(), "Quarantine", "msg-1"))
	assert.Equal(t, []string{"folder-7"}, fake.moves)
}

func TestGraphTrashUsesWellKnownFolder(t *testing.T) {
	fake := &graphFake{}
	p := newGraphProvider(t, fake)

	require.NoError(t, p.Trash(context.Background(), "msg-1"))

	assert.Equal(t, []string{"deleteditems"}, fake.moves)
	// Well-known destinations skip the folder lookup entirely.
	assert.Equal(t, 0, fake.folderLists)
}

func TestGraphTrashIdempotentOnMissingMessage(t *testing.T) {
	fake := &graphFake{moveCode: http.StatusNotFound}
	p := newGraphProvider(t, fake)

	assert.NoError(t, p.Trash(context.Background(), "msg-1"))
}

func TestGraphAddLabelsMergesCategories(t *testing.T) {
	fake := &graphFake{categories: []string{"Red"}}
	p := newGraphProvider(t, fake)

	require.NoError(t, p.AddLabels(context.Background(), "msg-1", "Suspicious", "red"))

	require.Len(t, fake.patches, 1)
	// "red" already present case-insensitively; only "Suspicious" added.
	assert.Equal(t, []string{"Red", "Suspicious"}, fake.patches[0])
}

func TestGraphRemoveLabelsDropsCategories(t *testing.T) {
	fake := &graphFake{categories: []string{"Red", "Suspicious"}}
	p := newGraphProvider(t, fake)

	require.NoError(t, p.RemoveLabels(context.Background(), "msg-1", "suspicious"))

	require.Len(t, fake.patches, 1)
	assert.Equal(t, []string{"Red"}, fake.patches[0])
}
