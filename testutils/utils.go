package testutils

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	btcdocker "github.com/elnosh/btc-docker-test"
	"github.com/elnosh/btc-docker-test/lnd"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/macaroons"
	"github.com/nutmint/nutmint/cashu"
	"github.com/nutmint/nutmint/cashu/nuts/nut04"
	"github.com/nutmint/nutmint/crypto"
	"github.com/nutmint/nutmint/mint"
	"github.com/nutmint/nutmint/mint/lightning"
	"github.com/nutmint/nutmint/wallet"
	"google.golang.org/grpc/credentials"
	"gopkg.in/macaroon.v2"
)

const (
	NUM_BLOCKS int64 = 110
)

// InvoicePayer pays invoices created by a mint. Both the regtest
// nodes and lightning.FakeBackend implement it.
type InvoicePayer interface {
	PayInvoice(string) error
}

type LndBackend struct {
	*lnd.Lnd
}

func (lndContainer *LndBackend) Pubkey() (string, error) {
	infoResponse, err := lndContainer.Client.GetInfo(context.Background(), &lnrpc.GetInfoRequest{})
	if err != nil {
		return "", err
	}
	return infoResponse.IdentityPubkey, nil
}

func (lndContainer *LndBackend) Synced() (bool, error) {
	infoResponse, err := lndContainer.Client.GetInfo(context.Background(), &lnrpc.GetInfoRequest{})
	if err != nil {
		return false, err
	}
	return infoResponse.SyncedToChain, nil
}

func (lndContainer *LndBackend) NewAddress() (btcutil.Address, error) {
	addressResponse, err := lndContainer.Client.NewAddress(context.Background(), &lnrpc.NewAddressRequest{Type: 0})
	if err != nil {
		return nil, err
	}
	return btcutil.DecodeAddress(addressResponse.Address, &chaincfg.RegressionNetParams)
}

func (lndContainer *LndBackend) PayInvoice(invoice string) error {
	sendPaymentRequest := lnrpc.SendRequest{PaymentRequest: invoice}
	response, err := lndContainer.Client.SendPaymentSync(context.Background(), &sendPaymentRequest)
	if err != nil {
		return err
	}
	if len(response.PaymentError) > 0 {
		return errors.New(response.PaymentError)
	}
	return nil
}

func (lndContainer *LndBackend) CreateInvoice(amount uint64) (string, error) {
	addInvoiceResponse, err := lndContainer.Client.AddInvoice(context.Background(), &lnrpc.Invoice{Value: int64(amount)})
	if err != nil {
		return "", err
	}
	return addInvoiceResponse.PaymentRequest, nil
}

func MineBlocks(bitcoind *btcdocker.Bitcoind, numBlocks int64) error {
	address, err := bitcoind.Client.GetNewAddress("")
	if err != nil {
		return fmt.Errorf("error getting new address: %v", err)
	}
	_, err = bitcoind.Client.GenerateToAddress(numBlocks, address, nil)
	return err
}

func FundNode(bitcoind *btcdocker.Bitcoind, node *LndBackend) error {
	address, err := node.NewAddress()
	if err != nil {
		return fmt.Errorf("error generating address: %v", err)
	}
	if _, err := bitcoind.Client.GenerateToAddress(NUM_BLOCKS, address, nil); err != nil {
		return err
	}
	time.Sleep(time.Second * 2)
	return SyncNode(node)
}

// OpenChannel opens a channel from one node to the other pushing half of the amount.
func OpenChannel(bitcoind *btcdocker.Bitcoind, from, to *LndBackend, amount uint64) error {
	toPubkey, err := to.Pubkey()
	if err != nil {
		return fmt.Errorf("error getting node info: %v", err)
	}
	_, err = from.Client.ConnectPeer(context.Background(), &lnrpc.ConnectPeerRequest{
		Addr: &lnrpc.LightningAddress{Pubkey: toPubkey, Host: to.ContainerIP + ":" + lnd.LND_P2P_PORT},
	})
	if err != nil {
		return fmt.Errorf("error connecting to peer: %v", err)
	}

	toPubkeyBytes, err := hex.DecodeString(toPubkey)
	if err != nil {
		return err
	}
	_, err = from.Client.OpenChannelSync(context.Background(), &lnrpc.OpenChannelRequest{
		NodePubkey:         toPubkeyBytes,
		LocalFundingAmount: int64(amount),
		PushSat:            int64(amount / 2),
	})
	if err != nil {
		return fmt.Errorf("error opening channel: %v", err)
	}

	if err := MineBlocks(bitcoind, 6); err != nil {
		return fmt.Errorf("error generating new blocks: %v", err)
	}
	time.Sleep(time.Second * 2)
	return SyncNode(from)
}

func SyncNode(node *LndBackend) error {
	for range 50 {
		synced, err := node.Synced()
		if err != nil {
			return fmt.Errorf("could not get node info: %v", err)
		}
		if synced {
			return nil
		}
		time.Sleep(time.Millisecond * 500)
	}
	return errors.New("could not sync node")
}

func LndClient(node *LndBackend) (*lightning.LndClient, error) {
	creds, err := credentials.NewClientTLSFromFile(filepath.Join(node.LndDir, "tls.cert"), "")
	if err != nil {
		return nil, err
	}

	mac := &macaroon.Macaroon{}
	if err := mac.UnmarshalBinary(node.AdminMacaroon); err != nil {
		return nil, fmt.Errorf("unable to decode macaroon: %v", err)
	}
	macarooncreds, err := macaroons.NewMacaroonCredential(mac)
	if err != nil {
		return nil, fmt.Errorf("error setting macaroon creds: %v", err)
	}

	lndConfig := lightning.LndConfig{
		GRPCHost: node.Host + ":" + node.GrpcPort,
		Cert:     creds,
		Macaroon: macarooncreds,
	}
	return lightning.SetupLndClient(lndConfig)
}

func MintConfig(
	backend lightning.Client,
	port int,
	dbpath string,
	inputFeePpk uint,
	limits mint.MintLimits,
) mint.Config {
	return mint.Config{
		Port:            port,
		MintPath:        dbpath,
		InputFeePpk:     inputFeePpk,
		Limits:          limits,
		LightningClient: backend,
		LogLevel:        mint.Disable,
		MeltTimeout:     time.Second * 2,
	}
}

func CreateTestMint(
	backend lightning.Client,
	dbpath string,
	inputFeePpk uint,
	limits mint.MintLimits,
) (*mint.Mint, error) {
	return mint.LoadMint(MintConfig(backend, 0, dbpath, inputFeePpk, limits))
}

// CreateTestMintServer starts a mint server on a free port and returns it with its URL.
func CreateTestMintServer(backend lightning.Client, dbpath string, inputFeePpk uint) (*mint.MintServer, string, error) {
	port, err := GetAvailablePort()
	if err != nil {
		return nil, "", err
	}

	mintServer, err := mint.SetupMintServer(MintConfig(backend, port, dbpath, inputFeePpk, mint.MintLimits{}))
	if err != nil {
		return nil, "", err
	}
	go func() {
		if err := mintServer.Start(); err != nil {
			panic(err)
		}
	}()

	mintURL := fmt.Sprintf("http://127.0.0.1:%v", port)
	if err := waitForServer(port); err != nil {
		return nil, "", err
	}
	return mintServer, mintURL, nil
}

func waitForServer(port int) error {
	for range 50 {
		conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%v", port))
		if err == nil {
			conn.Close()
			return nil
		}
		time.Sleep(time.Millisecond * 50)
	}
	return fmt.Errorf("mint server on port %v did not start", port)
}

func CreateTestWallet(walletpath, defaultMint string) (*wallet.Wallet, error) {
	if err := os.MkdirAll(walletpath, 0750); err != nil {
		return nil, err
	}
	walletConfig := wallet.Config{
		WalletPath:     walletpath,
		CurrentMintURL: defaultMint,
	}
	return wallet.LoadWallet(walletConfig)
}

func FundCashuWallet(w *wallet.Wallet, payer InvoicePayer, amount uint64) error {
	mintRes, err := w.RequestMint(amount, w.CurrentMint())
	if err != nil {
		return fmt.Errorf("error requesting mint: %v", err)
	}
	if err := payer.PayInvoice(mintRes.Request); err != nil {
		return fmt.Errorf("error paying invoice: %v", err)
	}
	if _, err := w.MintTokens(mintRes.Quote); err != nil {
		return fmt.Errorf("got unexpected error: %v", err)
	}
	return nil
}

func CreateBlindedMessages(amount uint64, keysetId string) (cashu.BlindedMessages, []string, []*secp256k1.PrivateKey, error) {
	splitAmounts := cashu.AmountSplit(amount)
	splitLen := len(splitAmounts)

	blindedMessages := make(cashu.BlindedMessages, splitLen)
	secrets := make([]string, splitLen)
	rs := make([]*secp256k1.PrivateKey, splitLen)

	for i, amt := range splitAmounts {
		secretBytes, err := GenerateRandomBytes()
		if err != nil {
			return nil, nil, nil, err
		}
		secret := hex.EncodeToString(secretBytes)

		B_, r, err := crypto.BlindMessage(secret, nil)
		if err != nil {
			return nil, nil, nil, err
		}

		blindedMessages[i] = cashu.NewBlindedMessage(keysetId, amt, B_)
		secrets[i] = secret
		rs[i] = r
	}

	return blindedMessages, secrets, rs, nil
}

func ConstructProofs(
	blindedSignatures cashu.BlindedSignatures,
	secrets []string,
	rs []*secp256k1.PrivateKey,
	keyset crypto.MintKeyset,
) (cashu.Proofs, error) {
	if len(blindedSignatures) != len(secrets) || len(blindedSignatures) != len(rs) {
		return nil, errors.New("lengths do not match")
	}

	proofs := make(cashu.Proofs, len(blindedSignatures))
	for i, blindedSignature := range blindedSignatures {
		C_bytes, err := hex.DecodeString(blindedSignature.C_)
		if err != nil {
			return nil, err
		}
		C_, err := secp256k1.ParsePubKey(C_bytes)
		if err != nil {
			return nil, err
		}

		keyPair, ok := keyset.Keys[blindedSignature.Amount]
		if !ok {
			return nil, errors.New("key not found")
		}

		C := crypto.UnblindSignature(C_, rs[i], keyPair.PublicKey)
		proof := cashu.Proof{
			Amount: blindedSignature.Amount,
			Secret: secrets[i],
			C:      hex.EncodeToString(C.SerializeCompressed()),
			Id:     blindedSignature.Id,
		}
		if blindedSignature.DLEQ != nil {
			proof.DLEQ = &cashu.DLEQProof{
				E: blindedSignature.DLEQ.E,
				S: blindedSignature.DLEQ.S,
				R: hex.EncodeToString(rs[i].Serialize()),
			}
		}
		proofs[i] = proof
	}

	return proofs, nil
}

// GetBlindedSignatures pays a mint quote for amount and mints outputs for it.
func GetBlindedSignatures(amount uint64, m *mint.Mint, payer InvoicePayer) (
	cashu.BlindedMessages,
	[]string,
	[]*secp256k1.PrivateKey,
	cashu.BlindedSignatures,
	error,
) {
	mintQuoteRequest := nut04.PostMintQuoteBolt11Request{Amount: amount, Unit: cashu.Sat.String()}
	mintQuote, err := m.RequestMintQuote(mintQuoteRequest)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("error requesting mint quote: %v", err)
	}

	keyset := m.ActiveKeyset()
	blindedMessages, secrets, rs, err := CreateBlindedMessages(amount, keyset.Id)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("error creating blinded message: %v", err)
	}

	if err := payer.PayInvoice(mintQuote.PaymentRequest); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("error paying invoice: %v", err)
	}

	mintTokensRequest := nut04.PostMintBolt11Request{
		Quote:   mintQuote.Id,
		Outputs: blindedMessages,
	}
	blindedSignatures, err := m.MintTokens(mintTokensRequest)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("got unexpected error minting tokens: %v", err)
	}

	return blindedMessages, secrets, rs, blindedSignatures, nil
}

func GetValidProofsForAmount(amount uint64, m *mint.Mint, payer InvoicePayer) (cashu.Proofs, error) {
	keyset := m.ActiveKeyset()
	_, secrets, rs, blindedSignatures, err := GetBlindedSignatures(amount, m, payer)
	if err != nil {
		return nil, fmt.Errorf("error generating blinded signatures: %v", err)
	}
	return ConstructProofs(blindedSignatures, secrets, rs, keyset)
}

func GetAvailablePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func GenerateRandomBytes() ([]byte, error) {
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		return nil, err
	}
	return randomBytes, nil
}
