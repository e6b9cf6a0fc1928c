// Package client implements the HTTP calls to a Cashu mint.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nutmint/nutmint/cashu"
	"github.com/nutmint/nutmint/cashu/nuts/nut01"
	"github.com/nutmint/nutmint/cashu/nuts/nut02"
	"github.com/nutmint/nutmint/cashu/nuts/nut03"
	"github.com/nutmint/nutmint/cashu/nuts/nut04"
	"github.com/nutmint/nutmint/cashu/nuts/nut05"
	"github.com/nutmint/nutmint/cashu/nuts/nut06"
	"github.com/nutmint/nutmint/cashu/nuts/nut07"
	"github.com/nutmint/nutmint/cashu/nuts/nut09"
)

// melt requests wait on the lightning payment
var httpClient = &http.Client{Timeout: 2 * time.Minute}

func GetMintInfo(mintURL string) (*nut06.MintInfo, error) {
	var mintInfo nut06.MintInfo
	if err := get(mintURL+"/v1/info", &mintInfo); err != nil {
		return nil, err
	}
	return &mintInfo, nil
}

func GetActiveKeysets(mintURL string) (*nut01.GetKeysResponse, error) {
	var keysetRes nut01.GetKeysResponse
	if err := get(mintURL+"/v1/keys", &keysetRes); err != nil {
		return nil, err
	}
	return &keysetRes, nil
}

func GetAllKeysets(mintURL string) (*nut02.GetKeysetsResponse, error) {
	var keysetsRes nut02.GetKeysetsResponse
	if err := get(mintURL+"/v1/keysets", &keysetsRes); err != nil {
		return nil, err
	}
	return &keysetsRes, nil
}

func GetKeysetById(mintURL, id string) (*nut01.GetKeysResponse, error) {
	var keysetRes nut01.GetKeysResponse
	if err := get(mintURL+"/v1/keys/"+id, &keysetRes); err != nil {
		return nil, err
	}
	return &keysetRes, nil
}

func PostMintQuoteBolt11(mintURL string, mintQuoteRequest nut04.PostMintQuoteBolt11Request) (
	*nut04.PostMintQuoteBolt11Response, error) {
	var reqMintResponse nut04.PostMintQuoteBolt11Response
	if err := post(mintURL+"/v1/mint/quote/bolt11", mintQuoteRequest, &reqMintResponse); err != nil {
		return nil, err
	}
	return &reqMintResponse, nil
}

func GetMintQuoteState(mintURL, quoteId string) (*nut04.PostMintQuoteBolt11Response, error) {
	var mintQuoteResponse nut04.PostMintQuoteBolt11Response
	if err := get(mintURL+"/v1/mint/quote/bolt11/"+quoteId, &mintQuoteResponse); err != nil {
		return nil, err
	}
	return &mintQuoteResponse, nil
}

func PostMintBolt11(mintURL string, mintRequest nut04.PostMintBolt11Request) (
	*nut04.PostMintBolt11Response, error) {
	var mintResponse nut04.PostMintBolt11Response
	if err := post(mintURL+"/v1/mint/bolt11", mintRequest, &mintResponse); err != nil {
		return nil, err
	}
	return &mintResponse, nil
}

func PostSwap(mintURL string, swapRequest nut03.PostSwapRequest) (*nut03.PostSwapResponse, error) {
	var swapResponse nut03.PostSwapResponse
	if err := post(mintURL+"/v1/swap", swapRequest, &swapResponse); err != nil {
		return nil, err
	}
	return &swapResponse, nil
}

func PostMeltQuoteBolt11(mintURL string, meltQuoteRequest nut05.PostMeltQuoteBolt11Request) (
	*nut05.PostMeltQuoteBolt11Response, error) {
	var meltQuoteResponse nut05.PostMeltQuoteBolt11Response
	if err := post(mintURL+"/v1/melt/quote/bolt11", meltQuoteRequest, &meltQuoteResponse); err != nil {
		return nil, err
	}
	return &meltQuoteResponse, nil
}

func GetMeltQuoteState(mintURL, quoteId string) (*nut05.PostMeltQuoteBolt11Response, error) {
	var meltQuoteResponse nut05.PostMeltQuoteBolt11Response
	if err := get(mintURL+"/v1/melt/quote/bolt11/"+quoteId, &meltQuoteResponse); err != nil {
		return nil, err
	}
	return &meltQuoteResponse, nil
}

func PostMeltBolt11(mintURL string, meltRequest nut05.PostMeltBolt11Request) (
	*nut05.PostMeltQuoteBolt11Response, error) {
	var meltResponse nut05.PostMeltQuoteBolt11Response
	if err := post(mintURL+"/v1/melt/bolt11", meltRequest, &meltResponse); err != nil {
		return nil, err
	}
	return &meltResponse, nil
}

func PostCheckProofState(mintURL string, stateRequest nut07.PostCheckStateRequest) (
	*nut07.PostCheckStateResponse, error) {
	var stateResponse nut07.PostCheckStateResponse
	if err := post(mintURL+"/v1/checkstate", stateRequest, &stateResponse); err != nil {
		return nil, err
	}
	return &stateResponse, nil
}

func PostRestore(mintURL string, restoreRequest nut09.PostRestoreRequest) (
	*nut09.PostRestoreResponse, error) {
	var restoreResponse nut09.PostRestoreResponse
	if err := post(mintURL+"/v1/restore", restoreRequest, &restoreResponse); err != nil {
		return nil, err
	}
	return &restoreResponse, nil
}

func get(url string, dst any) error {
	resp, err := httpClient.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return parse(resp, dst)
}

func post(url string, request any, dst any) error {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("json.Marshal: %v", err)
	}

	resp, err := httpClient.Post(url, "application/json", bytes.NewBuffer(requestBody))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return parse(resp, dst)
}

// parse decodes a successful response into dst. A 400 response
// is returned as the cashu.Error sent by the mint.
func parse(response *http.Response, dst any) error {
	body, err := io.ReadAll(response.Body)
	if err != nil {
		return err
	}

	if response.StatusCode == http.StatusBadRequest {
		var errResponse cashu.Error
		if err := json.Unmarshal(body, &errResponse); err != nil {
			return fmt.Errorf("could not decode error response from mint: %v", err)
		}
		return errResponse
	}

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("mint responded with status %v: %s", response.StatusCode, body)
	}

	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("error reading response from mint: %v", err)
	}
	return nil
}
