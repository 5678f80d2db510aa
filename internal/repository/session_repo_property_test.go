package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/codeedit/execsession/internal/db"
	"github.com/codeedit/execsession/internal/model"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// generateID generates a unique session ID for testing.
func generateID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return "session_" + hex.EncodeToString(b)
}

// **Feature: execsession, Property 8: session ledger lifecycle**
// For any session id, remote address and close code, recording a connect
// followed by a disconnect leaves exactly one disconnected row carrying that
// close code, and reconnecting the same id clears the code while keeping the
// creation time.
func TestSessionLedgerLifecycleProperty(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "session_test_*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	testDB, err := db.Open(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("failed to open ledger: %v", err)
	}
	defer testDB.Close()

	repo := NewSessionRepository(testDB)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	remoteAddr := gen.AlphaString().SuchThat(func(s string) bool {
		return len(s) <= 64
	})

	properties.Property("connect, disconnect and reconnect keep one consistent row", prop.ForAll(
		func(addr string, closeCode int) bool {
			id := generateID()
			defer repo.Delete(ctx, id)

			if err := repo.MarkConnected(ctx, id, addr); err != nil {
				t.Logf("MarkConnected failed: %v", err)
				return false
			}
			first, err := repo.GetByID(ctx, id)
			if err != nil {
				t.Logf("GetByID failed: %v", err)
				return false
			}
			if first.Status != model.SessionStatusConnected || first.RemoteAddr != addr || first.CloseCode != nil {
				t.Logf("unexpected connected row %+v", first)
				return false
			}

			if err := repo.MarkDisconnected(ctx, id, closeCode); err != nil {
				t.Logf("MarkDisconnected failed: %v", err)
				return false
			}
			closed, err := repo.GetByID(ctx, id)
			if err != nil {
				return false
			}
			if closed.Status != model.SessionStatusDisconnected || closed.CloseCode == nil || *closed.CloseCode != closeCode {
				t.Logf("unexpected disconnected row %+v", closed)
				return false
			}

			if err := repo.MarkConnected(ctx, id, addr+"x"); err != nil {
				return false
			}
			again, err := repo.GetByID(ctx, id)
			if err != nil {
				return false
			}
			if again.CloseCode != nil || again.RemoteAddr != addr+"x" || !again.CreatedAt.Equal(first.CreatedAt) {
				t.Logf("unexpected reconnected row %+v", again)
				return false
			}

			return true
		},
		remoteAddr,
		gen.IntRange(1000, 4999),
	))

	properties.TestingRun(t)
}
