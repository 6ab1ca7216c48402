package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
)

// MockDiscordServer is a test server that mocks the Discord REST API. It
// points discordgo's guild and user endpoints at itself for the lifetime of
// the test, so tests using it must not run in parallel.
type MockDiscordServer struct {
	*httptest.Server
	mu       sync.Mutex
	Handlers map[string]http.HandlerFunc
	failures map[string][]int
	hits     map[string]int
	patches  []NicknamePatch
}

// NicknamePatch is a recorded nickname change request.
type NicknamePatch struct {
	Path string
	Nick string
}

// NewMockDiscordServer creates a new mock Discord API server.
func NewMockDiscordServer(t *testing.T) *MockDiscordServer {
	t.Helper()
	m := &MockDiscordServer{
		Handlers: make(map[string]http.HandlerFunc),
		failures: make(map[string][]int),
		hits:     make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		m.mu.Lock()
		m.hits[key]++
		var status int
		if queued := m.failures[key]; len(queued) > 0 {
			status, m.failures[key] = queued[0], queued[1:]
		}
		handler, ok := m.Handlers[key]
		m.mu.Unlock()

		if status != 0 {
			writeJSON(w, status, map[string]any{"message": http.StatusText(status), "code": 0})
			return
		}
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))

	oldGuilds, oldUsers := discordgo.EndpointGuilds, discordgo.EndpointUsers
	discordgo.EndpointGuilds = m.URL + "/guilds/"
	discordgo.EndpointUsers = m.URL + "/users/"
	t.Cleanup(func() {
		discordgo.EndpointGuilds, discordgo.EndpointUsers = oldGuilds, oldUsers
		m.Close()
	})
	return m
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// FailNext makes the next len(statuses) requests to path fail with the given
// status codes, in order.
func (m *MockDiscordServer) FailNext(path string, statuses ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[path] = append(m.failures[path], statuses...)
}

// Hits returns how many requests reached path.
func (m *MockDiscordServer) Hits(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[path]
}

// Patches returns every nickname change received.
func (m *MockDiscordServer) Patches() []NicknamePatch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]NicknamePatch(nil), m.patches...)
}

// MockGuild adds a handler for the guild endpoint.
func (m *MockDiscordServer) MockGuild(g *discordgo.Guild) {
	m.Handlers["/guilds/"+g.ID] = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, g)
	}
}

// MockMembers serves the paginated member list and each single member, and
// accepts nickname changes for them.
func (m *MockDiscordServer) MockMembers(guildID string, members []*discordgo.Member) {
	sorted := append([]*discordgo.Member(nil), members...)
	sort.Slice(sorted, func(i, j int) bool { return snowflake(sorted[i].User.ID) < snowflake(sorted[j].User.ID) })

	m.Handlers["/guilds/"+guildID+"/members"] = func(w http.ResponseWriter, r *http.Request) {
		after := snowflake(r.URL.Query().Get("after"))
		limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
		if err != nil || limit <= 0 {
			limit = 1
		}
		page := []*discordgo.Member{}
		for _, mem := range sorted {
			if snowflake(mem.User.ID) > after && len(page) < limit {
				page = append(page, mem)
			}
		}
		writeJSON(w, http.StatusOK, page)
	}

	for _, mem := range sorted {
		path := "/guilds/" + guildID + "/members/" + mem.User.ID
		m.Handlers[path] = m.memberHandler(path, mem)
	}
	m.Handlers["/guilds/"+guildID+"/members/@me"] = m.memberHandler("/guilds/"+guildID+"/members/@me", nil)
}

func (m *MockDiscordServer) memberHandler(path string, mem *discordgo.Member) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPatch:
			var body struct {
				Nick string `json:"nick"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body) //nolint:errcheck // test mock request
			m.mu.Lock()
			m.patches = append(m.patches, NicknamePatch{Path: path, Nick: body.Nick})
			m.mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		default:
			if mem == nil {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			writeJSON(w, http.StatusOK, mem)
		}
	}
}

func snowflake(id string) uint64 {
	n, _ := strconv.ParseUint(id, 10, 64)
	return n
}
