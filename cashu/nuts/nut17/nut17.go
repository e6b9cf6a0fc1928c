// Package nut17 contains the websocket JSON-RPC messages defined in [NUT-17]
//
// [NUT-17]: https://github.com/cashubtc/nuts/blob/main/17.md
package nut17

import (
	"encoding/json"
	"errors"
	"fmt"
)

type SubscriptionKind int

const (
	Bolt11MintQuote SubscriptionKind = iota
	Bolt11MeltQuote
	ProofState
)

const (
	JSONRPC_2   = "2.0"
	OK          = "OK"
	SUBSCRIBE   = "subscribe"
	UNSUBSCRIBE = "unsubscribe"
)

// JSON-RPC error codes
const (
	ParseErrCode     = -32700
	InvalidReqCode   = -32600
	MethodNotFound   = -32601
	InvalidParamCode = -32602
	InternalErrCode  = -32603
)

func (kind SubscriptionKind) String() string {
	switch kind {
	case Bolt11MintQuote:
		return "bolt11_mint_quote"
	case Bolt11MeltQuote:
		return "bolt11_melt_quote"
	case ProofState:
		return "proof_state"
	default:
		return "unknown"
	}
}

func StringToKind(kind string) (SubscriptionKind, error) {
	switch kind {
	case "bolt11_mint_quote":
		return Bolt11MintQuote, nil
	case "bolt11_melt_quote":
		return Bolt11MeltQuote, nil
	case "proof_state":
		return ProofState, nil
	}
	return 0, fmt.Errorf("invalid subscription kind '%v'", kind)
}

type WsRequest struct {
	JsonRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  RequestParams `json:"params"`
	Id      int           `json:"id"`
}

type RequestParams struct {
	Kind    string   `json:"kind,omitempty"`
	SubId   string   `json:"subId"`
	Filters []string `json:"filters,omitempty"`
}

func NewSubscribeRequest(kind SubscriptionKind, subId string, filters []string, id int) WsRequest {
	return WsRequest{
		JsonRPC: JSONRPC_2,
		Method:  SUBSCRIBE,
		Params:  RequestParams{Kind: kind.String(), SubId: subId, Filters: filters},
		Id:      id,
	}
}

func NewUnsubscribeRequest(subId string, id int) WsRequest {
	return WsRequest{
		JsonRPC: JSONRPC_2,
		Method:  UNSUBSCRIBE,
		Params:  RequestParams{SubId: subId},
		Id:      id,
	}
}

type WsResponse struct {
	JsonRPC string `json:"jsonrpc"`
	Result  Result `json:"result"`
	Id      int    `json:"id"`
}

func NewWsResponse(subId string, id int) WsResponse {
	return WsResponse{
		JsonRPC: JSONRPC_2,
		Result:  Result{Status: OK, SubId: subId},
		Id:      id,
	}
}

// UnmarshalJSON fails if there is no result so that
// a message can be told apart from errors and notifications.
func (r *WsResponse) UnmarshalJSON(data []byte) error {
	var temp struct {
		JsonRPC string  `json:"jsonrpc"`
		Result  *Result `json:"result"`
		Id      int     `json:"id"`
	}
	if err := json.Unmarshal(data, &temp); err != nil {
		return err
	}
	if temp.Result == nil {
		return errors.New("result field not present in WsResponse")
	}

	r.JsonRPC = temp.JsonRPC
	r.Result = *temp.Result
	r.Id = temp.Id
	return nil
}

type Result struct {
	Status string `json:"status"`
	SubId  string `json:"subId"`
}

type WsNotification struct {
	JsonRPC string             `json:"jsonrpc"`
	Method  string             `json:"method"`
	Params  NotificationParams `json:"params"`
}

type NotificationParams struct {
	SubId   string          `json:"subId"`
	Payload json.RawMessage `json:"payload"`
}

func NewWsNotification(subId string, payload json.RawMessage) WsNotification {
	return WsNotification{
		JsonRPC: JSONRPC_2,
		Method:  SUBSCRIBE,
		Params:  NotificationParams{SubId: subId, Payload: payload},
	}
}

func (n *WsNotification) UnmarshalJSON(data []byte) error {
	var temp struct {
		JsonRPC string              `json:"jsonrpc"`
		Method  string              `json:"method"`
		Params  *NotificationParams `json:"params"`
	}
	if err := json.Unmarshal(data, &temp); err != nil {
		return err
	}
	if temp.Params == nil || temp.Params.Payload == nil {
		return errors.New("params field not present in WsNotification")
	}

	n.JsonRPC = temp.JsonRPC
	n.Method = temp.Method
	n.Params = *temp.Params
	return nil
}

type WsError struct {
	JsonRPC     string        `json:"jsonrpc"`
	ErrResponse ErrorResponse `json:"error"`
	Id          int           `json:"id"`
}

type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func NewWsError(code int, message string, id int) WsError {
	return WsError{
		JsonRPC:     JSONRPC_2,
		ErrResponse: ErrorResponse{Code: code, Message: message},
		Id:          id,
	}
}

func (e *WsError) UnmarshalJSON(data []byte) error {
	var temp struct {
		JsonRPC     string         `json:"jsonrpc"`
		ErrResponse *ErrorResponse `json:"error"`
		Id          int            `json:"id"`
	}
	if err := json.Unmarshal(data, &temp); err != nil {
		return err
	}
	if temp.ErrResponse == nil {
		return errors.New("error field not present in WsError")
	}

	e.JsonRPC = temp.JsonRPC
	e.ErrResponse = *temp.ErrResponse
	e.Id = temp.Id
	return nil
}

func (e WsError) Error() string {
	return e.ErrResponse.Message
}

type InfoSetting struct {
	Supported []SupportedMethod `json:"supported"`
}

type SupportedMethod struct {
	Method   string   `json:"method"`
	Unit     string   `json:"unit"`
	Commands []string `json:"commands"`
}
