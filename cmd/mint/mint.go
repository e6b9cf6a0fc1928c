package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nutmint/nutmint/mint"
	"github.com/nutmint/nutmint/mint/lightning"
	"github.com/nutmint/nutmint/mint/manager"
)

const (
	LND_GRPC_HOST     = "LND_GRPC_HOST"
	LND_CERT_PATH     = "LND_CERT_PATH"
	LND_MACAROON_PATH = "LND_MACAROON_PATH"
	CLN_REST_URL      = "CLN_REST_URL"
	CLN_RUNE          = "CLN_RUNE"
)

func main() {
	// .env is optional, values may come from the environment
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("error loading .env file: %v", err)
	}

	mintConfig, err := configFromEnv()
	if err != nil {
		log.Fatalf("invalid mint config: %v", err)
	}

	mintServer, err := mint.SetupMintServer(mintConfig)
	if err != nil {
		log.Fatalf("error setting up mint server: %v", err)
	}

	var adminServer *manager.Server
	if len(mintConfig.AdminSocketPath) > 0 {
		adminServer, err = manager.SetupServer(mintConfig.AdminSocketPath, mintServer.Mint(), mintServer.Logger())
		if err != nil {
			log.Fatalf("error setting up admin server: %v", err)
		}
		go func() {
			if err := adminServer.Start(); err != nil {
				log.Printf("admin server stopped: %v", err)
			}
		}()
	}

	go func() {
		if err := mintServer.Start(); err != nil {
			log.Fatalf("error starting mint server: %v", err)
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	if adminServer != nil {
		adminServer.Shutdown()
	}
	if err := mintServer.Shutdown(); err != nil {
		log.Fatalf("error shutting down mint server: %v", err)
	}
}

func configFromEnv() (mint.Config, error) {
	var port int
	if portStr := os.Getenv("MINT_PORT"); len(portStr) > 0 {
		var err error
		port, err = strconv.Atoi(portStr)
		if err != nil {
			return mint.Config{}, fmt.Errorf("invalid port: %v", err)
		}
	}

	var inputFeePpk uint
	if inputFeeEnv := os.Getenv("INPUT_FEE_PPK"); len(inputFeeEnv) > 0 {
		fee, err := strconv.ParseUint(inputFeeEnv, 10, 16)
		if err != nil {
			return mint.Config{}, fmt.Errorf("invalid INPUT_FEE_PPK: %v", err)
		}
		inputFeePpk = uint(fee)
	}

	mintPath := os.Getenv("MINT_DB_PATH")
	if len(mintPath) == 0 {
		homedir, err := os.UserHomeDir()
		if err != nil {
			return mint.Config{}, err
		}
		mintPath = filepath.Join(homedir, ".nutmint", "mint")
	}

	limits, err := limitsFromEnv()
	if err != nil {
		return mint.Config{}, err
	}

	var meltTimeout time.Duration
	if timeout := os.Getenv("MELT_TIMEOUT"); len(timeout) > 0 {
		meltTimeout, err = time.ParseDuration(timeout)
		if err != nil {
			return mint.Config{}, fmt.Errorf("invalid MELT_TIMEOUT: %v", err)
		}
	}

	logLevel := mint.Info
	switch strings.ToLower(os.Getenv("LOG")) {
	case "debug":
		logLevel = mint.Debug
	case "disable":
		logLevel = mint.Disable
	}

	lightningClient, err := lightningClientFromEnv()
	if err != nil {
		return mint.Config{}, err
	}

	return mint.Config{
		DerivationPathIdx: 0,
		Port:              port,
		MintPath:          mintPath,
		InputFeePpk:       inputFeePpk,
		MintInfo:          mintInfoFromEnv(),
		Limits:            limits,
		LightningClient:   lightningClient,
		LogLevel:          logLevel,
		MeltTimeout:       meltTimeout,
		AdminSocketPath:   os.Getenv("ADMIN_SOCKET_PATH"),
	}, nil
}

func limitsFromEnv() (mint.MintLimits, error) {
	var limits mint.MintLimits
	envLimits := []struct {
		key string
		dst *uint64
	}{
		{"MAX_BALANCE", &limits.MaxBalance},
		{"MINTING_MIN_AMOUNT", &limits.MintingSettings.MinAmount},
		{"MINTING_MAX_AMOUNT", &limits.MintingSettings.MaxAmount},
		{"MELTING_MIN_AMOUNT", &limits.MeltingSettings.MinAmount},
		{"MELTING_MAX_AMOUNT", &limits.MeltingSettings.MaxAmount},
	}
	for _, envLimit := range envLimits {
		value := os.Getenv(envLimit.key)
		if len(value) == 0 {
			continue
		}
		amount, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return mint.MintLimits{}, fmt.Errorf("invalid %v: %v", envLimit.key, err)
		}
		*envLimit.dst = amount
	}
	return limits, nil
}

func mintInfoFromEnv() mint.MintInfo {
	info := mint.MintInfo{
		Name:            os.Getenv("MINT_NAME"),
		Description:     os.Getenv("MINT_DESCRIPTION"),
		LongDescription: os.Getenv("MINT_DESCRIPTION_LONG"),
		Motd:            os.Getenv("MINT_MOTD"),
	}
	if urls := os.Getenv("MINT_URLS"); len(urls) > 0 {
		info.URLs = strings.Split(urls, ",")
	}
	return info
}

func lightningClientFromEnv() (lightning.Client, error) {
	switch os.Getenv("MINT_LIGHTNING_BACKEND") {
	case "Lnd":
		lndConfig, err := lightning.LoadLndConfig(
			os.Getenv(LND_GRPC_HOST),
			os.Getenv(LND_CERT_PATH),
			os.Getenv(LND_MACAROON_PATH),
		)
		if err != nil {
			return nil, err
		}
		return lightning.SetupLndClient(lndConfig)
	case "CLN":
		return lightning.SetupCLNClient(lightning.CLNConfig{
			RestURL: os.Getenv(CLN_REST_URL),
			Rune:    os.Getenv(CLN_RUNE),
		})
	case "FakeBackend":
		return lightning.NewFakeBackend(), nil
	default:
		return nil, errors.New("MINT_LIGHTNING_BACKEND must be one of Lnd, CLN or FakeBackend")
	}
}
