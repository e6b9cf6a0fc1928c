package sqlite

import (
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
	"github.com/nutmint/nutmint/cashu"
	"github.com/nutmint/nutmint/cashu/nuts/nut04"
	"github.com/nutmint/nutmint/cashu/nuts/nut05"
	"github.com/nutmint/nutmint/mint/storage"
)

//go:embed migrations/*.sql
var migrations embed.FS

type SQLiteDB struct {
	db *sql.DB
}

func InitSQLite(path string) (*SQLiteDB, error) {
	dbpath := filepath.Join(path, "mint.sqlite.db")
	db, err := sql.Open("sqlite3", dbpath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// a single connection serializes writers
	db.SetMaxOpenConns(1)

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteDB{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	if err := db.Ping(); err != nil {
		return err
	}

	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("error reading migrations: %v", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("error running migrations: %v", err)
	}
	return nil
}

func (sqlite *SQLiteDB) Close() error {
	return sqlite.db.Close()
}

func (sqlite *SQLiteDB) SaveSeed(seed []byte) error {
	_, err := sqlite.db.Exec("INSERT INTO seed (id, seed) VALUES (?, ?)", "id", hex.EncodeToString(seed))
	return err
}

func (sqlite *SQLiteDB) GetSeed() ([]byte, error) {
	var hexSeed string
	err := sqlite.db.QueryRow("SELECT seed FROM seed WHERE id = ?", "id").Scan(&hexSeed)
	if err != nil {
		return nil, notFound(err)
	}
	return hex.DecodeString(hexSeed)
}

func (sqlite *SQLiteDB) SaveKeyset(keyset storage.DBKeyset) error {
	_, err := sqlite.db.Exec(`
		INSERT INTO keysets (id, unit, active, derivation_path_idx, input_fee_ppk) VALUES (?, ?, ?, ?, ?)`,
		keyset.Id, keyset.Unit, keyset.Active, keyset.DerivationPathIdx, keyset.InputFeePpk,
	)
	return err
}

func (sqlite *SQLiteDB) GetKeysets() ([]storage.DBKeyset, error) {
	rows, err := sqlite.db.Query(`
		SELECT id, unit, active, derivation_path_idx, input_fee_ppk FROM keysets
		ORDER BY derivation_path_idx`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keysets := []storage.DBKeyset{}
	for rows.Next() {
		var keyset storage.DBKeyset
		err := rows.Scan(
			&keyset.Id,
			&keyset.Unit,
			&keyset.Active,
			&keyset.DerivationPathIdx,
			&keyset.InputFeePpk,
		)
		if err != nil {
			return nil, err
		}
		keysets = append(keysets, keyset)
	}
	return keysets, rows.Err()
}

func (sqlite *SQLiteDB) UpdateKeysetActive(id string, active bool) error {
	result, err := sqlite.db.Exec("UPDATE keysets SET active = ? WHERE id = ?", active, id)
	if err != nil {
		return err
	}
	return expectOneRow(result, "keyset was not updated")
}

func (sqlite *SQLiteDB) ReserveProofs(proofs []storage.DBProof, reservationId string) error {
	if len(proofs) == 0 {
		return nil
	}
	Ys := make([]string, len(proofs))
	for i, proof := range proofs {
		Ys[i] = proof.Y
	}

	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	placeholders, args := inClause(Ys)
	var count int
	err = tx.QueryRow(`
		SELECT (SELECT COUNT(*) FROM proofs WHERE y IN (`+placeholders+`)) +
		(SELECT COUNT(*) FROM pending_proofs WHERE y IN (`+placeholders+`))`,
		append(args, args...)...,
	).Scan(&count)
	if err != nil {
		return err
	}
	if count > 0 {
		return storage.ErrProofsNotUnspent
	}

	stmt, err := tx.Prepare(`
		INSERT INTO pending_proofs (y, amount, keyset_id, secret, c, reservation_id, quote_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, proof := range proofs {
		if _, err := stmt.Exec(proof.Y, proof.Amount, proof.Id, proof.Secret, proof.C, reservationId, proof.QuoteId); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (sqlite *SQLiteDB) CommitProofs(
	reservationId string,
	B_s []string,
	blindSignatures cashu.BlindedSignatures,
) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		INSERT INTO proofs (y, amount, keyset_id, secret, c)
		SELECT y, amount, keyset_id, secret, c FROM pending_proofs WHERE reservation_id = ?`,
		reservationId,
	)
	if err != nil {
		return err
	}
	if count, err := result.RowsAffected(); err != nil {
		return err
	} else if count == 0 {
		return fmt.Errorf("no pending proofs for reservation '%v'", reservationId)
	}

	if _, err := tx.Exec("DELETE FROM pending_proofs WHERE reservation_id = ?", reservationId); err != nil {
		return err
	}

	if err := saveBlindSignatures(tx, B_s, blindSignatures); err != nil {
		return err
	}

	return tx.Commit()
}

func (sqlite *SQLiteDB) ReleaseProofs(reservationId string) error {
	_, err := sqlite.db.Exec("DELETE FROM pending_proofs WHERE reservation_id = ?", reservationId)
	return err
}

func (sqlite *SQLiteDB) GetProofsUsed(Ys []string) ([]storage.DBProof, error) {
	if len(Ys) == 0 {
		return []storage.DBProof{}, nil
	}
	placeholders, args := inClause(Ys)
	return sqlite.queryProofs(
		"SELECT y, amount, keyset_id, secret, c, '', '' FROM proofs WHERE y IN ("+placeholders+")",
		args...,
	)
}

func (sqlite *SQLiteDB) GetPendingProofs(Ys []string) ([]storage.DBProof, error) {
	if len(Ys) == 0 {
		return []storage.DBProof{}, nil
	}
	placeholders, args := inClause(Ys)
	return sqlite.queryProofs(
		"SELECT "+pendingProofColumns+" FROM pending_proofs WHERE y IN ("+placeholders+")",
		args...,
	)
}

const pendingProofColumns = "y, amount, keyset_id, secret, c, reservation_id, quote_id"

func (sqlite *SQLiteDB) GetPendingProofsByReservation(reservationId string) ([]storage.DBProof, error) {
	return sqlite.queryProofs(
		"SELECT "+pendingProofColumns+" FROM pending_proofs WHERE reservation_id = ?",
		reservationId,
	)
}

func (sqlite *SQLiteDB) GetPendingProofsByQuote(quoteId string) ([]storage.DBProof, error) {
	return sqlite.queryProofs(
		"SELECT "+pendingProofColumns+" FROM pending_proofs WHERE quote_id = ?",
		quoteId,
	)
}

func (sqlite *SQLiteDB) queryProofs(query string, args ...any) ([]storage.DBProof, error) {
	rows, err := sqlite.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	proofs := []storage.DBProof{}
	for rows.Next() {
		var proof storage.DBProof
		err := rows.Scan(
			&proof.Y,
			&proof.Amount,
			&proof.Id,
			&proof.Secret,
			&proof.C,
			&proof.ReservationId,
			&proof.QuoteId,
		)
		if err != nil {
			return nil, err
		}
		proofs = append(proofs, proof)
	}
	return proofs, rows.Err()
}

func (sqlite *SQLiteDB) SaveMintQuote(mintQuote storage.MintQuote) error {
	var pubkey sql.NullString
	if mintQuote.Pubkey != nil {
		pubkey = sql.NullString{String: hex.EncodeToString(mintQuote.Pubkey.SerializeCompressed()), Valid: true}
	}

	_, err := sqlite.db.Exec(`
		INSERT INTO mint_quotes (id, payment_request, payment_hash, amount, state, expiry, pubkey)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		mintQuote.Id,
		mintQuote.PaymentRequest,
		mintQuote.PaymentHash,
		mintQuote.Amount,
		mintQuote.State.String(),
		mintQuote.Expiry,
		pubkey,
	)
	return err
}

const mintQuoteColumns = `id, payment_request, payment_hash, amount, state, expiry, pubkey, request_hash, issued_outputs`

func (sqlite *SQLiteDB) GetMintQuote(quoteId string) (storage.MintQuote, error) {
	row := sqlite.db.QueryRow("SELECT "+mintQuoteColumns+" FROM mint_quotes WHERE id = ?", quoteId)
	return scanMintQuote(row)
}

func (sqlite *SQLiteDB) GetMintQuoteByPaymentHash(paymentHash string) (storage.MintQuote, error) {
	row := sqlite.db.QueryRow("SELECT "+mintQuoteColumns+" FROM mint_quotes WHERE payment_hash = ?", paymentHash)
	return scanMintQuote(row)
}

func scanMintQuote(row *sql.Row) (storage.MintQuote, error) {
	var mintQuote storage.MintQuote
	var state string
	var pubkey, requestHash, issuedOutputs sql.NullString

	err := row.Scan(
		&mintQuote.Id,
		&mintQuote.PaymentRequest,
		&mintQuote.PaymentHash,
		&mintQuote.Amount,
		&state,
		&mintQuote.Expiry,
		&pubkey,
		&requestHash,
		&issuedOutputs,
	)
	if err != nil {
		return storage.MintQuote{}, notFound(err)
	}

	mintQuote.State, err = nut04.StringToState(state)
	if err != nil {
		return storage.MintQuote{}, err
	}
	if pubkey.Valid {
		pubkeyBytes, err := hex.DecodeString(pubkey.String)
		if err != nil {
			return storage.MintQuote{}, err
		}
		mintQuote.Pubkey, err = secp256k1.ParsePubKey(pubkeyBytes)
		if err != nil {
			return storage.MintQuote{}, err
		}
	}
	mintQuote.IssuedRequestHash = requestHash.String
	if issuedOutputs.Valid && issuedOutputs.String != "" {
		mintQuote.IssuedOutputs = strings.Split(issuedOutputs.String, ",")
	}

	return mintQuote, nil
}

func (sqlite *SQLiteDB) UpdateMintQuoteState(quoteId string, state nut04.State) error {
	result, err := sqlite.db.Exec("UPDATE mint_quotes SET state = ? WHERE id = ?", state.String(), quoteId)
	if err != nil {
		return err
	}
	return expectOneRow(result, "mint quote was not updated")
}

func (sqlite *SQLiteDB) IssueMintQuote(
	quoteId string,
	requestHash string,
	B_s []string,
	blindSignatures cashu.BlindedSignatures,
) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		UPDATE mint_quotes SET state = ?, request_hash = ?, issued_outputs = ?
		WHERE id = ? AND state = ?`,
		nut04.Issued.String(), requestHash, strings.Join(B_s, ","), quoteId, nut04.Paid.String(),
	)
	if err != nil {
		return err
	}
	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		return storage.ErrQuoteStateChanged
	}

	if err := saveBlindSignatures(tx, B_s, blindSignatures); err != nil {
		return err
	}

	return tx.Commit()
}

func (sqlite *SQLiteDB) SaveMeltQuote(meltQuote storage.MeltQuote) error {
	_, err := sqlite.db.Exec(`
		INSERT INTO melt_quotes
		(id, request, payment_hash, amount, fee_reserve, state, expiry, preimage, fee_paid, is_internal)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		meltQuote.Id,
		meltQuote.InvoiceRequest,
		meltQuote.PaymentHash,
		meltQuote.Amount,
		meltQuote.FeeReserve,
		meltQuote.State.String(),
		meltQuote.Expiry,
		meltQuote.Preimage,
		meltQuote.FeePaid,
		meltQuote.IsInternal,
	)
	return err
}

const meltQuoteColumns = `id, request, payment_hash, amount, fee_reserve, state, expiry, preimage, fee_paid, is_internal`

func (sqlite *SQLiteDB) GetMeltQuote(quoteId string) (storage.MeltQuote, error) {
	rows, err := sqlite.db.Query("SELECT "+meltQuoteColumns+" FROM melt_quotes WHERE id = ?", quoteId)
	if err != nil {
		return storage.MeltQuote{}, err
	}
	quotes, err := scanMeltQuotes(rows)
	if err != nil {
		return storage.MeltQuote{}, err
	}
	if len(quotes) == 0 {
		return storage.MeltQuote{}, storage.ErrNotFound
	}
	return quotes[0], nil
}

func (sqlite *SQLiteDB) GetMeltQuotesByPaymentHash(paymentHash string) ([]storage.MeltQuote, error) {
	rows, err := sqlite.db.Query("SELECT "+meltQuoteColumns+" FROM melt_quotes WHERE payment_hash = ?", paymentHash)
	if err != nil {
		return nil, err
	}
	return scanMeltQuotes(rows)
}

func (sqlite *SQLiteDB) GetMeltQuotesByState(states ...nut05.State) ([]storage.MeltQuote, error) {
	if len(states) == 0 {
		return []storage.MeltQuote{}, nil
	}
	stateStrings := make([]string, len(states))
	for i, state := range states {
		stateStrings[i] = state.String()
	}
	placeholders, args := inClause(stateStrings)
	rows, err := sqlite.db.Query("SELECT "+meltQuoteColumns+" FROM melt_quotes WHERE state IN ("+placeholders+")", args...)
	if err != nil {
		return nil, err
	}
	return scanMeltQuotes(rows)
}

func scanMeltQuotes(rows *sql.Rows) ([]storage.MeltQuote, error) {
	defer rows.Close()

	quotes := []storage.MeltQuote{}
	for rows.Next() {
		var meltQuote storage.MeltQuote
		var state string
		err := rows.Scan(
			&meltQuote.Id,
			&meltQuote.InvoiceRequest,
			&meltQuote.PaymentHash,
			&meltQuote.Amount,
			&meltQuote.FeeReserve,
			&state,
			&meltQuote.Expiry,
			&meltQuote.Preimage,
			&meltQuote.FeePaid,
			&meltQuote.IsInternal,
		)
		if err != nil {
			return nil, err
		}
		meltQuote.State, err = nut05.StringToState(state)
		if err != nil {
			return nil, err
		}
		quotes = append(quotes, meltQuote)
	}
	return quotes, rows.Err()
}

func (sqlite *SQLiteDB) UpdateMeltQuote(quoteId, preimage string, feePaid uint64, state nut05.State) error {
	result, err := sqlite.db.Exec(
		"UPDATE melt_quotes SET state = ?, preimage = ?, fee_paid = ? WHERE id = ?",
		state.String(), preimage, feePaid, quoteId,
	)
	if err != nil {
		return err
	}
	return expectOneRow(result, "melt quote was not updated")
}

func (sqlite *SQLiteDB) SaveBlindSignatures(B_s []string, blindSignatures cashu.BlindedSignatures) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := saveBlindSignatures(tx, B_s, blindSignatures); err != nil {
		return err
	}
	return tx.Commit()
}

func saveBlindSignatures(tx *sql.Tx, B_s []string, blindSignatures cashu.BlindedSignatures) error {
	if len(B_s) != len(blindSignatures) {
		return errors.New("number of blinded messages and signatures do not match")
	}
	if len(B_s) == 0 {
		return nil
	}

	stmt, err := tx.Prepare(`
		INSERT INTO blind_signatures (b_, c_, keyset_id, amount, e, s) VALUES (?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, sig := range blindSignatures {
		var e, s sql.NullString
		if sig.DLEQ != nil {
			e = sql.NullString{String: sig.DLEQ.E, Valid: true}
			s = sql.NullString{String: sig.DLEQ.S, Valid: true}
		}
		if _, err := stmt.Exec(B_s[i], sig.C_, sig.Id, sig.Amount, e, s); err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return storage.ErrOutputsAlreadySigned
			}
			return err
		}
	}
	return nil
}

func (sqlite *SQLiteDB) GetBlindSignature(B_ string) (cashu.BlindedSignature, error) {
	signatures, err := sqlite.GetBlindSignatures([]string{B_})
	if err != nil {
		return cashu.BlindedSignature{}, err
	}
	signature, ok := signatures[B_]
	if !ok {
		return cashu.BlindedSignature{}, storage.ErrNotFound
	}
	return signature, nil
}

func (sqlite *SQLiteDB) GetBlindSignatures(B_s []string) (map[string]cashu.BlindedSignature, error) {
	signatures := make(map[string]cashu.BlindedSignature, len(B_s))
	if len(B_s) == 0 {
		return signatures, nil
	}

	placeholders, args := inClause(B_s)
	rows, err := sqlite.db.Query(
		"SELECT b_, amount, c_, keyset_id, e, s FROM blind_signatures WHERE b_ IN ("+placeholders+")",
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var B_ string
		var signature cashu.BlindedSignature
		var e, s sql.NullString

		if err := rows.Scan(&B_, &signature.Amount, &signature.C_, &signature.Id, &e, &s); err != nil {
			return nil, err
		}
		if e.Valid && s.Valid {
			signature.DLEQ = &cashu.DLEQProof{E: e.String, S: s.String}
		}
		signatures[B_] = signature
	}
	return signatures, rows.Err()
}

func (sqlite *SQLiteDB) GetIssuedEcash() (map[string]uint64, error) {
	return sqlite.sumByKeyset("SELECT keyset_id, SUM(amount) FROM blind_signatures GROUP BY keyset_id")
}

func (sqlite *SQLiteDB) GetRedeemedEcash() (map[string]uint64, error) {
	return sqlite.sumByKeyset("SELECT keyset_id, SUM(amount) FROM proofs GROUP BY keyset_id")
}

func (sqlite *SQLiteDB) sumByKeyset(query string) (map[string]uint64, error) {
	rows, err := sqlite.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	amounts := make(map[string]uint64)
	for rows.Next() {
		var keysetId string
		var amount uint64
		if err := rows.Scan(&keysetId, &amount); err != nil {
			return nil, err
		}
		amounts[keysetId] = amount
	}
	return amounts, rows.Err()
}

func inClause(values []string) (string, []any) {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return "?" + strings.Repeat(",?", len(values)-1), args
}

func expectOneRow(result sql.Result, msg string) error {
	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		return errors.New(msg)
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}
