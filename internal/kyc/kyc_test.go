package kyc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mbd888/escrowd/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_Check(t *testing.T) {
	p := NewStaticProvider(map[string]Level{
		"doc":  LevelDocument,
		"full": LevelFull,
	})
	g := NewGate(p, 100000, 500000)

	tests := []struct {
		name    string
		user    string
		amount  int64
		wantErr bool
	}{
		{"unverified small", "anon", 100000, false},
		{"unverified above none limit", "anon", 100001, true},
		{"document within document limit", "doc", 500000, false},
		{"document above document limit", "doc", 500001, true},
		{"full anything", "full", 10000000, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.Check(context.Background(), tt.user, tt.amount)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, domain.ErrVerificationRequired)
			assert.Equal(t, domain.ClassForbidden, domain.ClassOf(err))
		})
	}
}

func TestGate_ErrorCarriesLevels(t *testing.T) {
	g := NewGate(NewStaticProvider(map[string]Level{"doc": LevelDocument}), 100, 1000)
	err := g.Check(context.Background(), "doc", 5000)

	var vr *domain.VerificationRequiredError
	require.ErrorAs(t, err, &vr)
	assert.Equal(t, "full", vr.Required)
	assert.Equal(t, "document", vr.Current)
	assert.Equal(t, int64(5000), vr.Amount)
}

func TestGate_NilAllowsEverything(t *testing.T) {
	var g *Gate
	assert.NoError(t, g.Check(context.Background(), "anyone", 1<<40))
}

func TestGate_ZeroLimitsDisableCeilings(t *testing.T) {
	g := NewGate(NewStaticProvider(nil), 0, 0)
	assert.NoError(t, g.Check(context.Background(), "anon", 1<<40))
}

func TestHTTPProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/users/u1/verification":
			_, _ = w.Write([]byte(`{"level":"document"}`))
		case "/users/down/verification":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL)

	l, err := p.VerificationLevel(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, LevelDocument, l)

	l, err = p.VerificationLevel(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, LevelNone, l)

	_, err = p.VerificationLevel(context.Background(), "down")
	assert.ErrorIs(t, err, domain.ErrGateway)
}
