package rpcclient

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-loot/internal/rpc"
	"github.com/Klingon-tech/klingnet-loot/pkg/crypto"
)

// fakeNode answers JSON-RPC calls with handle, verifying signatures the
// way lootd does.
func fakeNode(t *testing.T, handle func(method string, params json.RawMessage) (interface{}, *rpc.Error)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req rpc.Request
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("bad request: %v", err)
			return
		}
		result, rpcErr := handle(req.Method, req.Params)
		json.NewEncoder(w).Encode(rpc.Response{JSONRPC: "2.0", Result: result, Error: rpcErr, ID: req.ID})
	})}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	return fmt.Sprintf("http://%s/", ln.Addr())
}

func TestClient_Call(t *testing.T) {
	url := fakeNode(t, func(method string, _ json.RawMessage) (interface{}, *rpc.Error) {
		if method != "loot_getInfo" {
			return nil, &rpc.Error{Code: rpc.CodeMethodNotFound, Message: "not found"}
		}
		return &rpc.InfoResult{Mode: "paid", Granularity: 100}, nil
	})
	c := New(url)

	info, err := c.Info()
	if err != nil {
		t.Fatalf("Info() error: %v", err)
	}
	if info.Mode != "paid" || info.Granularity != 100 {
		t.Errorf("info = %+v", info)
	}

	err = c.Call("nope", nil, nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != rpc.CodeMethodNotFound {
		t.Fatalf("Call(nope) error = %v, want method not found", err)
	}
}

func TestClient_ErrorKind(t *testing.T) {
	url := fakeNode(t, func(string, json.RawMessage) (interface{}, *rpc.Error) {
		return nil, &rpc.Error{Code: rpc.CodeSupplyExhausted, Message: "supply exhausted", Data: "supply_exhausted"}
	})
	_, err := New(url).Open(&rpc.OpenParam{Option: 1, Quantity: 1}, nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("Open() error = %v, want RPCError", err)
	}
	if rpcErr.Kind != "supply_exhausted" || rpcErr.Code != rpc.CodeSupplyExhausted {
		t.Errorf("error = %+v", rpcErr)
	}
}

func TestClient_SignedCall(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	var (
		mu        sync.Mutex
		nonces    []uint64
		infoCalls int
	)
	url := fakeNode(t, func(method string, raw json.RawMessage) (interface{}, *rpc.Error) {
		if method == "loot_getInfo" {
			mu.Lock()
			infoCalls++
			mu.Unlock()
			return &rpc.InfoResult{Deployment: "client-test"}, nil
		}
		var p rpc.AdminParam
		if err := json.Unmarshal(raw, &p); err != nil || p.Auth == nil {
			return nil, &rpc.Error{Code: rpc.CodeBadSignature, Message: "missing auth"}
		}
		a := p.Auth
		p.Auth = nil
		digest, _ := rpc.SigningHash("client-test", method, &p, a.Nonce)
		pub, _ := hex.DecodeString(a.PubKey)
		sig, _ := hex.DecodeString(a.Sig)
		if !crypto.VerifySignature(digest, sig, pub) {
			return nil, &rpc.Error{Code: rpc.CodeBadSignature, Message: "bad signature"}
		}
		mu.Lock()
		nonces = append(nonces, a.Nonce)
		mu.Unlock()
		return &rpc.GateResult{Paused: true}, nil
	})

	c := New(url)
	// A frozen clock must still yield increasing nonces.
	frozen := time.Unix(1700000000, 0)
	c.now = func() time.Time { return frozen }

	for i := 0; i < 3; i++ {
		var res rpc.GateResult
		if err := c.SignedCall("admin_pause", &rpc.AdminParam{}, key, &res); err != nil {
			t.Fatalf("SignedCall() error: %v", err)
		}
		if !res.Paused {
			t.Error("result not decoded")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(nonces) != 3 {
		t.Fatalf("server saw %d signed calls, want 3", len(nonces))
	}
	if infoCalls != 1 {
		t.Errorf("deployment looked up %d times, want 1", infoCalls)
	}
	for i := 1; i < len(nonces); i++ {
		if nonces[i] <= nonces[i-1] {
			t.Errorf("nonces not increasing: %v", nonces)
		}
	}
}

func TestClient_SignedCallBindsDeployment(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	url := fakeNode(t, func(method string, raw json.RawMessage) (interface{}, *rpc.Error) {
		if method == "loot_getInfo" {
			t.Error("deployment looked up despite SetDeployment")
			return &rpc.InfoResult{}, nil
		}
		var p rpc.AdminParam
		if err := json.Unmarshal(raw, &p); err != nil || p.Auth == nil {
			return nil, &rpc.Error{Code: rpc.CodeBadSignature, Message: "missing auth"}
		}
		a := p.Auth
		p.Auth = nil
		pub, _ := hex.DecodeString(a.PubKey)
		sig, _ := hex.DecodeString(a.Sig)
		for dep, want := range map[string]bool{"deployment-a": true, "deployment-b": false} {
			digest, _ := rpc.SigningHash(dep, method, &p, a.Nonce)
			if crypto.VerifySignature(digest, sig, pub) != want {
				t.Errorf("signature valid for %s = %v, want %v", dep, !want, want)
			}
		}
		return &rpc.GateResult{}, nil
	})

	c := New(url)
	c.SetDeployment("deployment-a")
	if err := c.SignedCall("admin_resume", &rpc.AdminParam{}, key, nil); err != nil {
		t.Fatalf("SignedCall() error: %v", err)
	}
}
