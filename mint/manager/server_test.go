package manager

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"

	"github.com/nutmint/nutmint/cashu/nuts/nut02"
	"github.com/nutmint/nutmint/mint"
	"github.com/nutmint/nutmint/mint/lightning"
)

func setupAdminServer(t *testing.T) (*Server, *mint.Mint) {
	t.Helper()
	testMint, err := mint.LoadMint(mint.Config{
		MintPath:        t.TempDir(),
		LightningClient: lightning.NewFakeBackend(),
		LogLevel:        mint.Disable,
	})
	if err != nil {
		t.Fatalf("error loading mint: %v", err)
	}
	t.Cleanup(func() { testMint.Shutdown() })

	socketPath := filepath.Join(t.TempDir(), "admin.sock")
	server, err := SetupServer(socketPath, testMint, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("error setting up admin server: %v", err)
	}
	go server.Start()
	t.Cleanup(func() { server.Shutdown() })

	return server, testMint
}

func sendRequest(t *testing.T, socketPath string, req Request) Response {
	t.Helper()
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("error connecting to admin socket: %v", err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		t.Fatalf("error writing request: %v", err)
	}
	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		t.Fatalf("error reading response: %v", err)
	}
	return resp
}

func TestRotateKeyset(t *testing.T) {
	server, testMint := setupAdminServer(t)
	previous := testMint.ActiveKeyset()

	resp := sendRequest(t, server.socketPath, Request{JsonRPC: "2.0", Method: ROTATE_KEYSET, Params: []string{"100"}, Id: 1})
	if resp.Error.Code != 0 {
		t.Fatalf("unexpected error: %v", resp.Error.Message)
	}
	if resp.Id != 1 {
		t.Fatalf("expected id '%v' but got '%v'", 1, resp.Id)
	}

	var newKeyset nut02.Keyset
	if err := json.Unmarshal(resp.Result, &newKeyset); err != nil {
		t.Fatalf("error decoding result: %v", err)
	}
	if newKeyset.Id == previous.Id {
		t.Fatal("expected a new keyset id")
	}
	if newKeyset.InputFeePpk != 100 {
		t.Fatalf("expected fee '%v' but got '%v'", 100, newKeyset.InputFeePpk)
	}
	if testMint.ActiveKeyset().Id != newKeyset.Id {
		t.Fatalf("expected active keyset '%v' but got '%v'", newKeyset.Id, testMint.ActiveKeyset().Id)
	}

	resp = sendRequest(t, server.socketPath, Request{JsonRPC: "2.0", Method: LIST_KEYSETS, Id: 2})
	var keysets nut02.GetKeysetsResponse
	if err := json.Unmarshal(resp.Result, &keysets); err != nil {
		t.Fatalf("error decoding result: %v", err)
	}
	if len(keysets.Keysets) != 2 {
		t.Fatalf("expected '%v' keysets but got '%v'", 2, len(keysets.Keysets))
	}
}

func TestInvalidRequests(t *testing.T) {
	server, _ := setupAdminServer(t)

	tests := []struct {
		name         string
		req          Request
		expectedCode int
	}{
		{
			name:         "unknown method",
			req:          Request{JsonRPC: "2.0", Method: "shutdown", Id: 1},
			expectedCode: MethodNotFoundCode,
		},
		{
			name:         "rotate without fee",
			req:          Request{JsonRPC: "2.0", Method: ROTATE_KEYSET, Id: 2},
			expectedCode: InvalidParamsCode,
		},
		{
			name:         "rotate with negative fee",
			req:          Request{JsonRPC: "2.0", Method: ROTATE_KEYSET, Params: []string{"-1"}, Id: 3},
			expectedCode: InvalidParamsCode,
		},
		{
			name:         "issued for unknown keyset",
			req:          Request{JsonRPC: "2.0", Method: ISSUED_ECASH_REQUEST, Params: []string{"00ffffffffffffff"}, Id: 4},
			expectedCode: InvalidParamsCode,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			resp := sendRequest(t, server.socketPath, test.req)
			if resp.Error.Code != test.expectedCode {
				t.Fatalf("expected code '%v' but got '%v'", test.expectedCode, resp.Error.Code)
			}
		})
	}
}

func TestTotalBalance(t *testing.T) {
	server, _ := setupAdminServer(t)

	resp := sendRequest(t, server.socketPath, Request{JsonRPC: "2.0", Method: TOTAL_BALANCE, Id: 1})
	if resp.Error.Code != 0 {
		t.Fatalf("unexpected error: %v", resp.Error.Message)
	}
	var balance TotalBalanceResponse
	if err := json.Unmarshal(resp.Result, &balance); err != nil {
		t.Fatalf("error decoding result: %v", err)
	}
	if balance.TotalInCirculation != 0 {
		t.Fatalf("expected balance '%v' but got '%v'", 0, balance.TotalInCirculation)
	}
}
