// Package manager serves admin requests for a running mint over a unix socket.
// Requests and responses are single JSON-RPC 2.0 messages per connection.
package manager

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/nutmint/nutmint/cashu"
	"github.com/nutmint/nutmint/cashu/nuts/nut02"
	"github.com/nutmint/nutmint/mint"
)

const (
	ISSUED_ECASH_REQUEST   = "issued"
	REDEEMED_ECASH_REQUEST = "redeemed"
	TOTAL_BALANCE          = "totalbalance"
	LIST_KEYSETS           = "keysets"
	ROTATE_KEYSET          = "rotatekeyset"
)

const (
	InvalidRequestCode = -32600
	MethodNotFoundCode = -32601
	InvalidParamsCode  = -32602
	InternalErrCode    = -32603
)

type Request struct {
	JsonRPC string   `json:"jsonrpc"`
	Method  string   `json:"method"`
	Params  []string `json:"params"`
	Id      int      `json:"id"`
}

type Response struct {
	JsonRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   RpcError        `json:"error,omitempty"`
	Id      int             `json:"id"`
}

type RpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type Server struct {
	socketPath string
	listener   net.Listener
	mint       *mint.Mint
	logger     *slog.Logger
	wg         sync.WaitGroup
}

func SetupServer(socketPath string, mint *mint.Mint, logger *slog.Logger) (*Server, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0700); err != nil {
		return nil, err
	}
	// remove socket left by a previous run
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("error listening on admin socket: %v", err)
	}
	return &Server{
		socketPath: socketPath,
		listener:   listener,
		mint:       mint,
		logger:     logger,
	}, nil
}

// Start accepts connections until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("admin server listening on: " + s.socketPath)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) Shutdown() error {
	err := s.listener.Close()
	s.wg.Wait()
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.writeResponse(conn, Response{
			JsonRPC: "2.0",
			Error:   RpcError{Code: InvalidRequestCode, Message: "invalid request"},
		})
		return
	}

	s.writeResponse(conn, s.processRequest(req))
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	jsonResp, _ := json.Marshal(resp)
	if _, err := conn.Write(jsonResp); err != nil {
		s.logger.Error(fmt.Sprintf("could not write admin response: %v", err))
	}
}

func (s *Server) processRequest(req Request) Response {
	resp := Response{JsonRPC: "2.0", Id: req.Id}

	var result any
	var rpcErr *RpcError
	switch req.Method {
	case ISSUED_ECASH_REQUEST:
		result, rpcErr = s.issuedEcash(req.Params)
	case REDEEMED_ECASH_REQUEST:
		result, rpcErr = s.redeemedEcash(req.Params)
	case TOTAL_BALANCE:
		result, rpcErr = s.totalBalance()
	case LIST_KEYSETS:
		result = s.keysets()
	case ROTATE_KEYSET:
		result, rpcErr = s.rotateKeyset(req.Params)
	default:
		rpcErr = &RpcError{Code: MethodNotFoundCode, Message: "method not found"}
	}

	if rpcErr != nil {
		resp.Error = *rpcErr
		return resp
	}
	resp.Result, _ = json.Marshal(result)
	return resp
}

type IssuedEcashResponse struct {
	Keysets     []KeysetIssued `json:"keysets"`
	TotalIssued uint64         `json:"total_issued"`
}

type KeysetIssued struct {
	Id           string `json:"id"`
	AmountIssued uint64 `json:"amount_issued"`
}

type RedeemedEcashResponse struct {
	Keysets       []KeysetRedeemed `json:"keysets"`
	TotalRedeemed uint64           `json:"total_redeemed"`
}

type KeysetRedeemed struct {
	Id             string `json:"id"`
	AmountRedeemed uint64 `json:"amount_redeemed"`
}

type TotalBalanceResponse struct {
	TotalIssued        IssuedEcashResponse   `json:"total_issued"`
	TotalRedeemed      RedeemedEcashResponse `json:"total_redeemed"`
	TotalInCirculation uint64                `json:"total_circulation"`
}

func internalErr(msg string, err error) *RpcError {
	return &RpcError{Code: InternalErrCode, Message: fmt.Sprintf("%v: %v", msg, err)}
}

// issuedEcash returns the issued ecash of every keyset, or of the keyset in params.
func (s *Server) issuedEcash(params []string) (any, *RpcError) {
	issuedEcashMap, err := s.mint.IssuedEcash()
	if err != nil {
		return nil, internalErr("unable to get issued ecash from db", err)
	}

	if len(params) > 0 {
		id := params[0]
		amountIssued, ok := issuedEcashMap[id]
		if !ok {
			return nil, &RpcError{Code: InvalidParamsCode, Message: cashu.UnknownKeysetErr.Detail}
		}
		return KeysetIssued{Id: id, AmountIssued: amountIssued}, nil
	}

	return issuedResponse(issuedEcashMap), nil
}

func issuedResponse(issuedEcashMap map[string]uint64) IssuedEcashResponse {
	issuedEcash := IssuedEcashResponse{Keysets: []KeysetIssued{}}
	for keysetId, amount := range issuedEcashMap {
		issuedEcash.Keysets = append(issuedEcash.Keysets, KeysetIssued{Id: keysetId, AmountIssued: amount})
		issuedEcash.TotalIssued += amount
	}
	sort.Slice(issuedEcash.Keysets, func(i, j int) bool {
		return issuedEcash.Keysets[i].Id < issuedEcash.Keysets[j].Id
	})
	return issuedEcash
}

func (s *Server) redeemedEcash(params []string) (any, *RpcError) {
	redeemedEcashMap, err := s.mint.RedeemedEcash()
	if err != nil {
		return nil, internalErr("unable to get redeemed ecash from db", err)
	}

	if len(params) > 0 {
		id := params[0]
		amountRedeemed, ok := redeemedEcashMap[id]
		if !ok {
			return nil, &RpcError{Code: InvalidParamsCode, Message: cashu.UnknownKeysetErr.Detail}
		}
		return KeysetRedeemed{Id: id, AmountRedeemed: amountRedeemed}, nil
	}

	return redeemedResponse(redeemedEcashMap), nil
}

func redeemedResponse(redeemedEcashMap map[string]uint64) RedeemedEcashResponse {
	redeemedEcash := RedeemedEcashResponse{Keysets: []KeysetRedeemed{}}
	for keysetId, amount := range redeemedEcashMap {
		redeemedEcash.Keysets = append(redeemedEcash.Keysets, KeysetRedeemed{Id: keysetId, AmountRedeemed: amount})
		redeemedEcash.TotalRedeemed += amount
	}
	sort.Slice(redeemedEcash.Keysets, func(i, j int) bool {
		return redeemedEcash.Keysets[i].Id < redeemedEcash.Keysets[j].Id
	})
	return redeemedEcash
}

// returns total amount of ecash in circulation
func (s *Server) totalBalance() (any, *RpcError) {
	issuedEcashMap, err := s.mint.IssuedEcash()
	if err != nil {
		return nil, internalErr("unable to get issued ecash from db", err)
	}
	redeemedEcashMap, err := s.mint.RedeemedEcash()
	if err != nil {
		return nil, internalErr("unable to get redeemed ecash from db", err)
	}
	inCirculation, err := s.mint.TotalBalance()
	if err != nil {
		return nil, internalErr("unable to get total balance", err)
	}

	return TotalBalanceResponse{
		TotalIssued:        issuedResponse(issuedEcashMap),
		TotalRedeemed:      redeemedResponse(redeemedEcashMap),
		TotalInCirculation: inCirculation,
	}, nil
}

// same response from NUT-02 /v1/keysets
func (s *Server) keysets() nut02.GetKeysetsResponse {
	keysets := s.mint.Keysets()
	response := nut02.GetKeysetsResponse{Keysets: make([]nut02.Keyset, len(keysets))}
	for i, keyset := range keysets {
		response.Keysets[i] = nut02.Keyset{
			Id:          keyset.Id,
			Unit:        keyset.Unit,
			Active:      keyset.Active,
			InputFeePpk: keyset.InputFeePpk,
		}
	}
	return response
}

func (s *Server) rotateKeyset(params []string) (any, *RpcError) {
	if len(params) == 0 {
		return nil, &RpcError{Code: InvalidParamsCode, Message: "fee for keyset not specified"}
	}
	keysetFee, err := strconv.Atoi(params[0])
	if err != nil || keysetFee < 0 {
		return nil, &RpcError{Code: InvalidParamsCode, Message: "invalid fee"}
	}

	newKeyset, err := s.mint.RotateKeyset(uint(keysetFee))
	if err != nil {
		return nil, internalErr("could not rotate keyset", err)
	}

	return nut02.Keyset{
		Id:          newKeyset.Id,
		Unit:        newKeyset.Unit,
		Active:      newKeyset.Active,
		InputFeePpk: newKeyset.InputFeePpk,
	}, nil
}
