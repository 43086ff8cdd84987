package store_test

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/lib/pq"

	"mailsync/internal/store"
	"mailsync/internal/testutil"
)

func TestIsConnectivityError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"bad conn", driver.ErrBadConn, true},
		{"wrapped bad conn", fmt.Errorf("listing folders: %w", driver.ErrBadConn), true},
		{"postgres connection failure", &pq.Error{Code: "08006"}, true},
		{"postgres admin shutdown", &pq.Error{Code: "57P01"}, true},
		{"postgres unique violation", &pq.Error{Code: "23505"}, false},
		{"network", &net.OpError{Op: "read", Net: "tcp", Err: errors.New("connection reset by peer")}, true},
		{"plain", errors.New("no such column: subject"), false},
		{"not found", store.ErrNotFound, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := store.IsConnectivityError(tc.err); got != tc.want {
				t.Fatalf("IsConnectivityError(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestReconnectKeepsData(t *testing.T) {
	st := testutil.NewStore(t)
	ctx := context.Background()

	if err := st.InsertFolder(ctx, store.Folder{Name: "INBOX", DisplayName: "INBOX", Role: "inbox", Separator: "/", LastSynced: time.Now()}); err != nil {
		t.Fatalf("insert folder: %v", err)
	}
	if err := st.Reconnect(ctx); err != nil {
		t.Fatalf("reconnect: %v", err)
	}

	f, err := st.GetFolder(ctx, "INBOX")
	if err != nil {
		t.Fatalf("get folder after reconnect: %v", err)
	}
	if f.Role != "inbox" {
		t.Fatalf("unexpected folder %+v", f)
	}
}
