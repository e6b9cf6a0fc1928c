package mint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/nutmint/nutmint/cashu"
	"github.com/nutmint/nutmint/cashu/nuts/nut06"
	"github.com/nutmint/nutmint/cashu/nuts/nut17"
	"github.com/nutmint/nutmint/crypto"
	"github.com/nutmint/nutmint/mint/lightning"
	"github.com/nutmint/nutmint/mint/pubsub"
	"github.com/nutmint/nutmint/mint/storage"
	"github.com/nutmint/nutmint/mint/storage/sqlite"
)

const Version = "nutmint/0.1.0"

type Mint struct {
	db storage.MintDB

	keysets *KeysetManager
	ledger  *ProofLedger

	lightningClient lightning.Client
	mintInfo        nut06.MintInfo
	limits          MintLimits
	meltTimeout     time.Duration
	quoteExpiry     time.Duration

	requestCache *DuplicateRequestCache
	// serializes state changes on the same quote or payment hash
	quoteLocks *keyedMutex

	publisher *pubsub.PubSub
	metrics   *metrics
	logger    *slog.Logger
	// nil when logging is disabled
	logFile *os.File

	// canceled on shutdown to stop background invoice subscriptions
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func LoadMint(config Config) (_ *Mint, err error) {
	if len(config.MintPath) == 0 {
		return nil, errors.New("invalid mint path")
	}
	if err := os.MkdirAll(config.MintPath, 0700); err != nil {
		return nil, err
	}
	if config.LightningClient == nil {
		return nil, errors.New("invalid lightning client")
	}
	config.setDefaults()

	logger, logFile, err := setupLogger(config.MintPath, config.LogLevel)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil && logFile != nil {
			logFile.Close()
		}
	}()

	db, err := sqlite.InitSQLite(config.MintPath)
	if err != nil {
		return nil, fmt.Errorf("error setting up sqlite: %v", err)
	}
	defer func() {
		if err != nil {
			db.Close()
		}
	}()

	seed, err := db.GetSeed()
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("error reading seed: %v", err)
		}
		// generate new seed
		seed, err = hdkeychain.GenerateSeed(32)
		if err != nil {
			return nil, err
		}
		if err := db.SaveSeed(seed); err != nil {
			return nil, fmt.Errorf("error saving seed: %v", err)
		}
	}

	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}

	keysets, err := loadKeysetManager(db, master, config.DerivationPathIdx, config.InputFeePpk)
	if err != nil {
		return nil, err
	}

	if err := config.LightningClient.ConnectionStatus(); err != nil {
		return nil, fmt.Errorf("can't connect to lightning backend: %v", err)
	}

	requestCache, err := NewDuplicateRequestCache(config.RequestCacheSize)
	if err != nil {
		return nil, err
	}

	publisher := pubsub.NewPubSub(config.SubscriberQueueSize)
	ctx, cancel := context.WithCancel(context.Background())

	mint := &Mint{
		db:              db,
		keysets:         keysets,
		ledger:          NewProofLedger(db, publisher),
		lightningClient: config.LightningClient,
		limits:          config.Limits,
		meltTimeout:     config.MeltTimeout,
		quoteExpiry:     config.QuoteExpiry,
		requestCache:    requestCache,
		quoteLocks:      newKeyedMutex(),
		publisher:       publisher,
		metrics:         newMetrics(),
		logger:          logger,
		logFile:         logFile,
		ctx:             ctx,
		cancel:          cancel,
	}
	mint.mintInfo = mint.buildMintInfo(config.MintInfo, master)

	// settle melt quotes whose payment was in flight when the mint last stopped
	if err := mint.reconcileInFlightMeltQuotes(); err != nil {
		cancel()
		return nil, err
	}

	activeKeyset := keysets.ActiveKeyset()
	mint.logInfof("mint loaded. Active keyset '%v'", activeKeyset.Id)

	return mint, nil
}

func setupLogger(mintPath string, logLevel LogLevel) (*slog.Logger, *os.File, error) {
	replacer := func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.SourceKey {
			source := a.Value.Any().(*slog.Source)
			source.File = filepath.Base(source.File)
			source.Function = filepath.Base(source.Function)
		}
		return a
	}

	if logLevel == Disable {
		return slog.New(slog.NewTextHandler(io.Discard, nil)), nil, nil
	}

	level := slog.LevelInfo
	if logLevel == Debug {
		level = slog.LevelDebug
	}

	logFile, err := os.OpenFile(filepath.Join(mintPath, "mint.log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("error opening log file: %v", err)
	}
	logWriter := io.MultiWriter(os.Stdout, logFile)

	return slog.New(slog.NewTextHandler(logWriter, &slog.HandlerOptions{
		AddSource:   true,
		Level:       level,
		ReplaceAttr: replacer,
	})), logFile, nil
}

func (m *Mint) buildMintInfo(config MintInfo, master *hdkeychain.ExtendedKey) nut06.MintInfo {
	var pubkey string
	if publicKey, err := master.ECPubKey(); err == nil {
		pubkey = fmt.Sprintf("%x", publicKey.SerializeCompressed())
	}

	method := func(minAmount, maxAmount uint64) []nut06.MethodSetting {
		return []nut06.MethodSetting{{
			Method:    cashu.BOLT11_METHOD,
			Unit:      cashu.Sat.String(),
			MinAmount: minAmount,
			MaxAmount: maxAmount,
		}}
	}

	return nut06.MintInfo{
		Name:            config.Name,
		Pubkey:          pubkey,
		Version:         Version,
		Description:     config.Description,
		LongDescription: config.LongDescription,
		Contact:         config.Contact,
		Motd:            config.Motd,
		URLs:            config.URLs,
		Nuts: nut06.Nuts{
			Nut04: nut06.NutSetting{
				Methods: method(m.limits.MintingSettings.MinAmount, m.limits.MintingSettings.MaxAmount),
			},
			Nut05: nut06.NutSetting{
				Methods: method(m.limits.MeltingSettings.MinAmount, m.limits.MeltingSettings.MaxAmount),
			},
			Nut07: nut06.Supported{Supported: true},
			Nut08: nut06.Supported{Supported: true},
			Nut09: nut06.Supported{Supported: true},
			Nut12: nut06.Supported{Supported: true},
			Nut17: nut17.InfoSetting{
				Supported: []nut17.SupportedMethod{{
					Method: cashu.BOLT11_METHOD,
					Unit:   cashu.Sat.String(),
					Commands: []string{
						nut17.Bolt11MintQuote.String(),
						nut17.Bolt11MeltQuote.String(),
						nut17.ProofState.String(),
					},
				}},
			},
			Nut20: nut06.Supported{Supported: true},
		},
	}
}

// Shutdown stops the background invoice subscriptions and closes the db.
func (m *Mint) Shutdown() error {
	m.cancel()
	m.wg.Wait()
	if m.logFile != nil {
		m.logFile.Close()
	}
	return m.db.Close()
}

func (m *Mint) RetrieveMintInfo() nut06.MintInfo {
	info := m.mintInfo
	info.Time = time.Now().Unix()
	return info
}

func (m *Mint) ActiveKeyset() crypto.MintKeyset {
	return m.keysets.ActiveKeyset()
}

func (m *Mint) Keysets() []crypto.MintKeyset {
	return m.keysets.Keysets()
}

func (m *Mint) GetKeyset(id string) (crypto.MintKeyset, error) {
	keyset, ok := m.keysets.Keyset(id)
	if !ok {
		return crypto.MintKeyset{}, cashu.UnknownKeysetErr
	}
	return keyset, nil
}

func (m *Mint) RotateKeyset(inputFeePpk uint) (crypto.MintKeyset, error) {
	keyset, err := m.keysets.RotateKeyset(inputFeePpk)
	if err != nil {
		return crypto.MintKeyset{}, err
	}
	m.logInfof("rotated keyset. New active keyset '%v'", keyset.Id)
	return keyset, nil
}

// IssuedEcash returns the amount of ecash signed per keyset.
func (m *Mint) IssuedEcash() (map[string]uint64, error) {
	return m.db.GetIssuedEcash()
}

// RedeemedEcash returns the amount of ecash spent per keyset.
func (m *Mint) RedeemedEcash() (map[string]uint64, error) {
	return m.db.GetRedeemedEcash()
}

// TotalBalance is the ecash in circulation: issued minus redeemed.
func (m *Mint) TotalBalance() (uint64, error) {
	issued, err := m.IssuedEcash()
	if err != nil {
		return 0, err
	}
	redeemed, err := m.RedeemedEcash()
	if err != nil {
		return 0, err
	}

	var totalIssued, totalRedeemed uint64
	for _, amount := range issued {
		totalIssued += amount
	}
	for _, amount := range redeemed {
		totalRedeemed += amount
	}

	balance, underflow := underflowSubUint64(totalIssued, totalRedeemed)
	if underflow {
		return 0, nil
	}
	return balance, nil
}

func (m *Mint) verifyInputs(inputs cashu.Proofs) (uint64, error) {
	if len(inputs) == 0 {
		return 0, cashu.NoProofsProvided
	}
	if cashu.CheckDuplicateProofs(inputs) {
		return 0, cashu.DuplicateProofs
	}
	amount, err := inputs.CheckedAmount()
	if err != nil {
		return 0, cashu.AmountOverflowErr
	}
	for _, proof := range inputs {
		if err := m.keysets.VerifyProof(proof); err != nil {
			return 0, err
		}
	}
	return amount, nil
}

func (m *Mint) verifyOutputs(outputs cashu.BlindedMessages) (uint64, error) {
	if len(outputs) == 0 {
		return 0, cashu.BuildCashuError("no outputs provided", cashu.InvalidRequestErrCode)
	}
	if cashu.CheckDuplicateBlindedMessages(outputs) {
		return 0, cashu.DuplicateOutputsErr
	}
	amount, err := outputs.Amount()
	if err != nil {
		return 0, cashu.AmountOverflowErr
	}
	for _, output := range outputs {
		if !cashu.IsValidAmount(output.Amount) {
			return 0, cashu.InvalidBlindedMessageAmount
		}
	}

	signed, err := m.db.GetBlindSignatures(blindedMessagesB_s(outputs))
	if err != nil {
		return 0, dbError("error reading blind signatures", err)
	}
	if len(signed) > 0 {
		return 0, cashu.BlindedMessageAlreadySigned
	}
	return amount, nil
}

func blindedMessagesB_s(blindedMessages cashu.BlindedMessages) []string {
	B_s := make([]string, len(blindedMessages))
	for i, bm := range blindedMessages {
		B_s[i] = bm.B_
	}
	return B_s
}

func dbError(msg string, err error) *cashu.Error {
	return cashu.BuildCashuError(fmt.Sprintf("%v: %v", msg, err), cashu.DBErrCode)
}

// returns the sum and whether it overflowed
func overflowAddUint64(a, b uint64) (uint64, bool) {
	sum, err := cashu.AddAmounts(a, b)
	if err != nil {
		return math.MaxUint64, true
	}
	return sum, false
}

// returns the difference or 0 if it underflows
func underflowSubUint64(a, b uint64) (uint64, bool) {
	if b > a {
		return 0, true
	}
	return a - b, false
}

func (m *Mint) logInfof(format string, args ...any) {
	m.log(slog.LevelInfo, format, args...)
}

func (m *Mint) logErrorf(format string, args ...any) {
	m.log(slog.LevelError, format, args...)
}

func (m *Mint) logDebugf(format string, args ...any) {
	m.log(slog.LevelDebug, format, args...)
}

// log records the caller of the logXf helper as the source.
func (m *Mint) log(level slog.Level, format string, args ...any) {
	if !m.logger.Enabled(context.Background(), level) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	r := slog.NewRecord(time.Now(), level, fmt.Sprintf(format, args...), pcs[0])
	_ = m.logger.Handler().Handle(context.Background(), r)
}
