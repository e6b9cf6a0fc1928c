package mint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/nutmint/nutmint/cashu"
	"github.com/nutmint/nutmint/cashu/nuts/nut01"
	"github.com/nutmint/nutmint/cashu/nuts/nut02"
	"github.com/nutmint/nutmint/cashu/nuts/nut03"
	"github.com/nutmint/nutmint/cashu/nuts/nut04"
	"github.com/nutmint/nutmint/cashu/nuts/nut05"
	"github.com/nutmint/nutmint/cashu/nuts/nut07"
	"github.com/nutmint/nutmint/cashu/nuts/nut09"
	"github.com/nutmint/nutmint/crypto"
)

const DefaultPort = 3338

type MintServer struct {
	httpServer       *http.Server
	mint             *Mint
	websocketManager *WebsocketManager
	logger           *slog.Logger
}

func (ms *MintServer) Start() error {
	ms.logger.Info("mint server listening on: " + ms.httpServer.Addr)
	err := ms.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the http server, disconnects websocket clients and shuts down the mint.
func (ms *MintServer) Shutdown() error {
	ms.mint.logInfof("starting shutdown of mint server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := ms.httpServer.Shutdown(ctx)
	ms.websocketManager.closeAll()
	if mintErr := ms.mint.Shutdown(); mintErr != nil && err == nil {
		err = mintErr
	}
	return err
}

func (ms *MintServer) Mint() *Mint {
	return ms.mint
}

func (ms *MintServer) Logger() *slog.Logger {
	return ms.logger
}

func SetupMintServer(config Config) (*MintServer, error) {
	mint, err := LoadMint(config)
	if err != nil {
		return nil, err
	}
	return NewMintServer(mint, config.Port), nil
}

func NewMintServer(mint *Mint, port int) *MintServer {
	if port == 0 {
		port = DefaultPort
	}
	mintServer := &MintServer{
		mint:             mint,
		websocketManager: NewWebSocketManager(mint),
		logger:           mint.logger,
	}
	mintServer.setupHttpServer(port)
	return mintServer
}

func (ms *MintServer) setupHttpServer(port int) {
	r := ms.router()
	ms.httpServer = &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%v", port),
		Handler: r,
	}
}

func (ms *MintServer) router() *mux.Router {
	r := mux.NewRouter()
	metrics := ms.mint.metrics

	handle := func(path, route string, handler http.HandlerFunc, methods ...string) {
		methods = append(methods, http.MethodOptions)
		r.HandleFunc(path, metrics.middleware(route, handler)).Methods(methods...)
	}

	handle("/v1/keys", "keys", ms.getActiveKeysets, http.MethodGet)
	handle("/v1/keysets", "keysets", ms.getKeysetsList, http.MethodGet)
	handle("/v1/keys/{id}", "keys_by_id", ms.getKeysetById, http.MethodGet)
	handle("/v1/mint/quote/{method}", "mint_quote", ms.mintRequest, http.MethodPost)
	handle("/v1/mint/quote/{method}/{quote_id}", "mint_quote_state", ms.mintQuoteState, http.MethodGet)
	handle("/v1/mint/{method}", "mint", ms.mintTokensRequest, http.MethodPost)
	handle("/v1/swap", "swap", ms.swapRequest, http.MethodPost)
	handle("/v1/melt/quote/{method}", "melt_quote", ms.meltQuoteRequest, http.MethodPost)
	handle("/v1/melt/quote/{method}/{quote_id}", "melt_quote_state", ms.meltQuoteState, http.MethodGet)
	handle("/v1/melt/{method}", "melt", ms.meltTokens, http.MethodPost)
	handle("/v1/checkstate", "checkstate", ms.tokenStateCheck, http.MethodPost)
	handle("/v1/restore", "restore", ms.restoreSignatures, http.MethodPost)
	handle("/v1/info", "info", ms.mintInfo, http.MethodGet)

	// not wrapped with the metrics middleware since the connection gets hijacked
	r.HandleFunc("/v1/ws", ms.websocketManager.serveWS)
	r.Handle("/metrics", metrics.handler()).Methods(http.MethodGet)

	r.Use(setupHeaders)
	return r
}

func setupHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		rw.Header().Set("Access-Control-Allow-Origin", "*")
		rw.Header().Set("Access-Control-Allow-Credentials", "true")
		rw.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		rw.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, origin")

		if req.Method == http.MethodOptions {
			return
		}

		next.ServeHTTP(rw, req)
	})
}

func (ms *MintServer) writeResponse(rw http.ResponseWriter, req *http.Request, response any) {
	jsonRes, err := json.Marshal(response)
	if err != nil {
		ms.writeErr(rw, req, cashu.StandardErr, fmt.Sprintf("error encoding response: %v", err))
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.Write(jsonRes)
}

// writeErr writes the Cashu error with status 400. Errors that are internal
// to the mint are logged and replaced with a generic error in the response.
func (ms *MintServer) writeErr(rw http.ResponseWriter, req *http.Request, errResponse error, errLogMsg ...string) {
	code := http.StatusBadRequest
	log := errResponse.Error()
	if len(errLogMsg) > 0 {
		log = errLogMsg[0]
	}

	var cashuErr cashu.Error
	var cashuErrPtr *cashu.Error
	switch {
	case errors.As(errResponse, &cashuErr):
	case errors.As(errResponse, &cashuErrPtr):
		cashuErr = *cashuErrPtr
	default:
		cashuErr = cashu.StandardErr
	}

	switch cashuErr.Code {
	case cashu.DBErrCode, cashu.LightningBackendErrCode:
		ms.mint.logErrorf("%v %v: %v", req.Method, req.URL.Path, log)
		cashuErr = cashu.StandardErr
	case cashu.StandardErrCode:
		ms.mint.logErrorf("%v %v: %v", req.Method, req.URL.Path, log)
	default:
		ms.mint.logDebugf("%v %v: %v", req.Method, req.URL.Path, log)
	}

	jsonErr, _ := json.Marshal(cashuErr)
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	rw.Write(jsonErr)
}

func decodeJsonReqBody(req *http.Request, dst any) error {
	if req.Body == nil {
		return cashu.EmptyBodyErr
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return cashu.InvalidRequestErr
	}
	if len(body) == 0 {
		return cashu.EmptyBodyErr
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return cashu.BuildCashuError(fmt.Sprintf("bad json: %v", err), cashu.InvalidRequestErrCode)
	}
	return nil
}

func checkBolt11Method(req *http.Request) error {
	if mux.Vars(req)["method"] != cashu.BOLT11_METHOD {
		return cashu.PaymentMethodNotSupportedErr
	}
	return nil
}

func keysResponse(keysets ...crypto.MintKeyset) nut01.GetKeysResponse {
	response := nut01.GetKeysResponse{Keysets: make([]nut01.Keyset, len(keysets))}
	for i, keyset := range keysets {
		response.Keysets[i] = nut01.Keyset{
			Id:   keyset.Id,
			Unit: keyset.Unit,
			Keys: keyset.PublicKeys(),
		}
	}
	return response
}

func (ms *MintServer) getActiveKeysets(rw http.ResponseWriter, req *http.Request) {
	ms.writeResponse(rw, req, keysResponse(ms.mint.ActiveKeyset()))
}

func (ms *MintServer) getKeysetsList(rw http.ResponseWriter, req *http.Request) {
	keysets := ms.mint.Keysets()
	response := nut02.GetKeysetsResponse{Keysets: make([]nut02.Keyset, len(keysets))}
	for i, keyset := range keysets {
		response.Keysets[i] = nut02.Keyset{
			Id:          keyset.Id,
			Unit:        keyset.Unit,
			Active:      keyset.Active,
			InputFeePpk: keyset.InputFeePpk,
		}
	}
	ms.writeResponse(rw, req, response)
}

func (ms *MintServer) getKeysetById(rw http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	keyset, err := ms.mint.GetKeyset(id)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}
	ms.writeResponse(rw, req, keysResponse(keyset))
}

func (ms *MintServer) mintRequest(rw http.ResponseWriter, req *http.Request) {
	if err := checkBolt11Method(req); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	var mintReq nut04.PostMintQuoteBolt11Request
	if err := decodeJsonReqBody(req, &mintReq); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	mintQuote, err := ms.mint.RequestMintQuote(mintReq)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}
	ms.writeResponse(rw, req, MintQuoteResponse(mintQuote))
}

func (ms *MintServer) mintQuoteState(rw http.ResponseWriter, req *http.Request) {
	if err := checkBolt11Method(req); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	mintQuote, err := ms.mint.GetMintQuoteState(mux.Vars(req)["quote_id"])
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}
	ms.writeResponse(rw, req, MintQuoteResponse(mintQuote))
}

func (ms *MintServer) mintTokensRequest(rw http.ResponseWriter, req *http.Request) {
	if err := checkBolt11Method(req); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	var mintReq nut04.PostMintBolt11Request
	if err := decodeJsonReqBody(req, &mintReq); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	signatures, err := ms.mint.MintTokens(mintReq)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}
	ms.writeResponse(rw, req, nut04.PostMintBolt11Response{Signatures: signatures})
}

func (ms *MintServer) swapRequest(rw http.ResponseWriter, req *http.Request) {
	var swapReq nut03.PostSwapRequest
	if err := decodeJsonReqBody(req, &swapReq); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	signatures, err := ms.mint.Swap(swapReq)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}
	ms.writeResponse(rw, req, nut03.PostSwapResponse{Signatures: signatures})
}

func (ms *MintServer) meltQuoteRequest(rw http.ResponseWriter, req *http.Request) {
	if err := checkBolt11Method(req); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	var meltRequest nut05.PostMeltQuoteBolt11Request
	if err := decodeJsonReqBody(req, &meltRequest); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	meltQuote, err := ms.mint.RequestMeltQuote(meltRequest)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}
	ms.writeResponse(rw, req, MeltQuoteResponse(meltQuote, nil))
}

func (ms *MintServer) meltQuoteState(rw http.ResponseWriter, req *http.Request) {
	if err := checkBolt11Method(req); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	meltQuote, err := ms.mint.GetMeltQuoteState(req.Context(), mux.Vars(req)["quote_id"])
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}
	ms.writeResponse(rw, req, MeltQuoteResponse(meltQuote, nil))
}

func (ms *MintServer) meltTokens(rw http.ResponseWriter, req *http.Request) {
	if err := checkBolt11Method(req); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	var meltTokensRequest nut05.PostMeltBolt11Request
	if err := decodeJsonReqBody(req, &meltTokensRequest); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	meltQuote, change, err := ms.mint.MeltTokens(req.Context(), meltTokensRequest)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}
	ms.writeResponse(rw, req, MeltQuoteResponse(meltQuote, change))
}

func (ms *MintServer) tokenStateCheck(rw http.ResponseWriter, req *http.Request) {
	var stateRequest nut07.PostCheckStateRequest
	if err := decodeJsonReqBody(req, &stateRequest); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	states, err := ms.mint.ProofsStateCheck(stateRequest.Ys)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}
	ms.writeResponse(rw, req, nut07.PostCheckStateResponse{States: states})
}

func (ms *MintServer) restoreSignatures(rw http.ResponseWriter, req *http.Request) {
	var restoreRequest nut09.PostRestoreRequest
	if err := decodeJsonReqBody(req, &restoreRequest); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	outputs, signatures, err := ms.mint.RestoreSignatures(restoreRequest.Outputs)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}
	ms.writeResponse(rw, req, nut09.PostRestoreResponse{Outputs: outputs, Signatures: signatures})
}

func (ms *MintServer) mintInfo(rw http.ResponseWriter, req *http.Request) {
	ms.writeResponse(rw, req, ms.mint.RetrieveMintInfo())
}
