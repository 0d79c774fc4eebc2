package ledger

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/mr-tron/base58"
	"go.uber.org/zap/zaptest"
)

type rpcFault struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type fakeRPC struct {
	mu       sync.Mutex
	params   map[string][]json.RawMessage
	handlers map[string]func(params []json.RawMessage) (any, *rpcFault)
}

func newFakeRPC(t *testing.T) (*fakeRPC, *httptest.Server) {
	t.Helper()
	f := &fakeRPC{
		params:   make(map[string][]json.RawMessage),
		handlers: make(map[string]func([]json.RawMessage) (any, *rpcFault)),
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage   `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		f.mu.Lock()
		f.params[req.Method] = req.Params
		handler := f.handlers[req.Method]
		f.mu.Unlock()

		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if handler == nil {
			resp["error"] = rpcFault{Code: -32601, Message: "method not found"}
		} else if result, fault := handler(req.Params); fault != nil {
			resp["error"] = fault
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(server.Close)
	return f, server
}

func (f *fakeRPC) handle(method string, fn func([]json.RawMessage) (any, *rpcFault)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = fn
}

func (f *fakeRPC) lastParams(method string) []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.params[method]
}

func newTestClient(t *testing.T, server *httptest.Server, exact bool) *RPCClient {
	return NewRPCClient(RPCOptions{
		Endpoint:        server.URL,
		ProgramID:       fill(0x20),
		Commitment:      CommitmentConfirmed,
		ConfirmInterval: 5 * time.Millisecond,
		ExactSizeFilter: exact,
		Logger:          zaptest.NewLogger(t).Sugar(),
	})
}

func withContext(value any) map[string]any {
	return map[string]any{"context": map[string]any{"slot": 1}, "value": value}
}

func accountJSON(data []byte) map[string]any {
	return map[string]any{
		"lamports":   1,
		"owner":      fill(0x20).String(),
		"data":       []string{base64.StdEncoding.EncodeToString(data), "base64"},
		"executable": false,
		"rentEpoch":  0,
	}
}

func latestBlockhash([]json.RawMessage) (any, *rpcFault) {
	return withContext(map[string]any{"blockhash": base58.Encode(make([]byte, 32)), "lastValidBlockHeight": 10}), nil
}

func TestScanProgramAccountsDecodesBase64(t *testing.T) {
	f, server := newFakeRPC(t)
	f.handle("getProgramAccounts", func([]json.RawMessage) (any, *rpcFault) {
		return []map[string]any{
			{"pubkey": fill(0x30).String(), "account": accountJSON([]byte{1, 2, 3})},
		}, nil
	})

	client := newTestClient(t, server, false)
	accounts, err := client.ScanProgramAccounts(context.Background(), 300)
	if err != nil {
		t.Fatalf("ScanProgramAccounts failed: %v", err)
	}
	if len(accounts) != 1 || accounts[0].Address != fill(0x30) || string(accounts[0].Data) != "\x01\x02\x03" {
		t.Fatalf("unexpected accounts: %+v", accounts)
	}

	params := f.lastParams("getProgramAccounts")
	var program string
	if err := json.Unmarshal(params[0], &program); err != nil || program != fill(0x20).String() {
		t.Fatalf("unexpected program param %s", params[0])
	}
	var config map[string]any
	if err := json.Unmarshal(params[1], &config); err != nil {
		t.Fatalf("config decode failed: %v", err)
	}
	if config["encoding"] != "base64" || config["commitment"] != CommitmentConfirmed {
		t.Fatalf("unexpected config %v", config)
	}
	if _, ok := config["filters"]; ok {
		t.Fatalf("size hint must not become a filter unless exact filtering is enabled")
	}
}

func TestScanProgramAccountsExactFilter(t *testing.T) {
	f, server := newFakeRPC(t)
	f.handle("getProgramAccounts", func([]json.RawMessage) (any, *rpcFault) {
		return []any{}, nil
	})

	client := newTestClient(t, server, true)
	if _, err := client.ScanProgramAccounts(context.Background(), 200); err != nil {
		t.Fatalf("ScanProgramAccounts failed: %v", err)
	}

	var config struct {
		Filters []struct {
			DataSize int `json:"dataSize"`
		} `json:"filters"`
	}
	if err := json.Unmarshal(f.lastParams("getProgramAccounts")[1], &config); err != nil {
		t.Fatalf("config decode failed: %v", err)
	}
	if len(config.Filters) != 1 || config.Filters[0].DataSize != 200 {
		t.Fatalf("unexpected filters %+v", config.Filters)
	}
}

func TestFetchAccount(t *testing.T) {
	f, server := newFakeRPC(t)
	f.handle("getAccountInfo", func([]json.RawMessage) (any, *rpcFault) {
		return withContext(accountJSON([]byte("chat"))), nil
	})

	client := newTestClient(t, server, false)
	data, ok, err := client.FetchAccount(context.Background(), fill(0x30))
	if err != nil {
		t.Fatalf("FetchAccount failed: %v", err)
	}
	if !ok || string(data) != "chat" {
		t.Fatalf("unexpected account %q ok=%v", data, ok)
	}
}

func TestFetchAccountAbsent(t *testing.T) {
	f, server := newFakeRPC(t)
	f.handle("getAccountInfo", func([]json.RawMessage) (any, *rpcFault) {
		return withContext(nil), nil
	})

	client := newTestClient(t, server, false)
	data, ok, err := client.FetchAccount(context.Background(), fill(0x30))
	if err != nil {
		t.Fatalf("FetchAccount failed: %v", err)
	}
	if ok || data != nil {
		t.Fatalf("expected absent account")
	}
}

func TestBuildTransactionSignsWithPayer(t *testing.T) {
	signer := newTestSigner(t, 7)
	ix := Instruction{
		ProgramID: fill(0x20),
		Accounts:  []AccountMeta{{PublicKey: signer.PublicKey(), IsSigner: true, IsWritable: true}, {PublicKey: fill(0x30), IsWritable: true}},
		Data:      []byte{2},
	}

	tx, sig, err := buildTransaction(ix, signer, solana.Hash{9})
	if err != nil {
		t.Fatalf("buildTransaction failed: %v", err)
	}
	if tx.Message.AccountKeys[0] != solana.PublicKey(signer.PublicKey()) {
		t.Fatalf("payer must be the first account key")
	}
	message, err := tx.Message.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary failed: %v", err)
	}
	if !ed25519.Verify(signer.priv.Public().(ed25519.PublicKey), message, sig[:]) {
		t.Fatalf("signature does not verify over the message")
	}
	if len(tx.Signatures) != 1 || Signature(tx.Signatures[0]) != sig {
		t.Fatalf("transaction must carry exactly the wallet signature")
	}
}

func TestBuildTransactionRejectsForeignSigner(t *testing.T) {
	ix := Instruction{
		ProgramID: fill(0x20),
		Accounts:  []AccountMeta{{PublicKey: fill(0x40), IsSigner: true}},
	}
	if _, _, err := buildTransaction(ix, newTestSigner(t, 1), solana.Hash{}); !errors.Is(err, ErrForeignSigner) {
		t.Fatalf("expected ErrForeignSigner, got %v", err)
	}
}

func TestSubmitWaitsForConfirmation(t *testing.T) {
	f, server := newFakeRPC(t)
	signer := newTestSigner(t, 7)

	var mu sync.Mutex
	var sent []byte
	polls := 0
	f.handle("getLatestBlockhash", latestBlockhash)
	f.handle("sendTransaction", func(params []json.RawMessage) (any, *rpcFault) {
		var encoded string
		_ = json.Unmarshal(params[0], &encoded)
		raw, _ := base64.StdEncoding.DecodeString(encoded)
		mu.Lock()
		sent = raw
		mu.Unlock()
		return base58.Encode(raw[1 : 1+SignatureSize]), nil
	})
	f.handle("getSignatureStatuses", func([]json.RawMessage) (any, *rpcFault) {
		mu.Lock()
		polls++
		n := polls
		mu.Unlock()
		if n < 3 {
			return withContext([]any{nil}), nil
		}
		return withContext([]any{map[string]any{"slot": 5, "confirmations": nil, "err": nil, "confirmationStatus": "confirmed"}}), nil
	})

	client := newTestClient(t, server, false)
	ix := Instruction{
		ProgramID: fill(0x20),
		Accounts:  []AccountMeta{{PublicKey: signer.PublicKey(), IsSigner: true}, {PublicKey: fill(0x30), IsWritable: true}},
		Data:      []byte{2},
	}

	sig, err := client.Submit(context.Background(), ix, signer)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(sent) < 1+SignatureSize || sent[0] != 1 {
		t.Fatalf("unexpected wire transaction %x", sent)
	}
	if string(sent[1:1+SignatureSize]) != string(sig[:]) {
		t.Fatalf("returned signature does not match the sent transaction")
	}
	if !ed25519.Verify(signer.priv.Public().(ed25519.PublicKey), sent[1+SignatureSize:], sig[:]) {
		t.Fatalf("wire signature does not verify over the wire message")
	}
	if polls != 3 {
		t.Fatalf("expected 3 status polls, got %d", polls)
	}
}

func TestSubmitReportsTransactionFailure(t *testing.T) {
	f, server := newFakeRPC(t)
	signer := newTestSigner(t, 7)

	f.handle("getLatestBlockhash", latestBlockhash)
	f.handle("sendTransaction", func(params []json.RawMessage) (any, *rpcFault) {
		var encoded string
		_ = json.Unmarshal(params[0], &encoded)
		raw, _ := base64.StdEncoding.DecodeString(encoded)
		return base58.Encode(raw[1 : 1+SignatureSize]), nil
	})
	f.handle("getSignatureStatuses", func([]json.RawMessage) (any, *rpcFault) {
		return withContext([]any{map[string]any{
			"slot":               5,
			"confirmationStatus": "processed",
			"err":                map[string]any{"InstructionError": []any{0, "InvalidArgument"}},
		}}), nil
	})

	client := newTestClient(t, server, false)
	_, err := client.Submit(context.Background(), Instruction{ProgramID: fill(0x20)}, signer)

	var subErr *SubmissionError
	if !errors.As(err, &subErr) || subErr.Op != "confirm" {
		t.Fatalf("expected confirm SubmissionError, got %v", err)
	}
	if !IsTransactionFailure(err) {
		t.Fatalf("expected ErrTransactionFailed in chain, got %v", err)
	}
}

func TestSubmitSurfacesRPCError(t *testing.T) {
	f, server := newFakeRPC(t)
	f.handle("getLatestBlockhash", func([]json.RawMessage) (any, *rpcFault) {
		return nil, &rpcFault{Code: -32005, Message: "node is behind"}
	})

	client := newTestClient(t, server, false)
	_, err := client.Submit(context.Background(), Instruction{ProgramID: fill(0x20)}, newTestSigner(t, 1))

	var subErr *SubmissionError
	if !errors.As(err, &subErr) || subErr.Op != "fetch blockhash" {
		t.Fatalf("expected fetch blockhash SubmissionError, got %v", err)
	}
	var rpcErr *jsonrpc.RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32005 {
		t.Fatalf("expected wrapped RPC error, got %v", err)
	}
}

func TestSubmitHonorsContextWhileConfirming(t *testing.T) {
	f, server := newFakeRPC(t)
	f.handle("getLatestBlockhash", latestBlockhash)
	f.handle("sendTransaction", func(params []json.RawMessage) (any, *rpcFault) {
		var encoded string
		_ = json.Unmarshal(params[0], &encoded)
		raw, _ := base64.StdEncoding.DecodeString(encoded)
		return base58.Encode(raw[1 : 1+SignatureSize]), nil
	})
	f.handle("getSignatureStatuses", func([]json.RawMessage) (any, *rpcFault) {
		return withContext([]any{nil}), nil
	})

	client := newTestClient(t, server, false)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := client.Submit(ctx, Instruction{ProgramID: fill(0x20)}, newTestSigner(t, 3))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
