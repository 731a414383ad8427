package server

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cloudflare/cfssl/log"
	"github.com/jmoiron/sqlx"
	"github.com/kisielk/sqlstruct"
	"github.com/pkg/errors"
	"github.com/pomelosec/caweb/api"
	"github.com/pomelosec/caweb/api/registry"
	cadb "github.com/pomelosec/caweb/db"
	caerrors "github.com/pomelosec/caweb/errors"
	"golang.org/x/crypto/bcrypt"
)

func init() {
	sqlstruct.TagName = "db"
}

const (
	insertUserSQL = `
INSERT INTO users (username, token, email, display_name, role)
VALUES (:username, :token, :email, :display_name, :role);`

	getUserSQL = `
SELECT * FROM users
	WHERE (username = ?)`

	insertRequestSQL = `
INSERT INTO requests (id, type, status, username, created_at, request_message, validation_message, common_name, dns, csr_pem, key_pem, key_password)
VALUES (:id, :type, :status, :username, :created_at, :request_message, :validation_message, :common_name, :dns, :csr_pem, :key_pem, :key_password);`

	updateRequestDNSSQL = `
UPDATE requests
SET dns = :dns
	WHERE (id = :id);`

	approveRequestSQL = `
UPDATE requests
SET status = :status, handled_at = :handled_at, certificate_id = :certificate_id
	WHERE (id = :id);`

	insertCertificateSQL = `
INSERT INTO certificates (id, parent_id, issued_at, username, type, status, common_name, crl_urls, crt_pem, key_pem, key_password)
VALUES (:id, :parent_id, :issued_at, :username, :type, :status, :common_name, :crl_urls, :crt_pem, :key_pem, :key_password);`

	revokeCertificateSQL = `
UPDATE certificates
SET status = :status, reason = :reason
	WHERE (id = :id);`

	deleteCertificateSQL = `
DELETE FROM certificates
	WHERE (id = ?);`

	getRequestSQLTemplate = `
SELECT %s FROM requests
	WHERE (id = ?)`

	getCertificateSQLTemplate = `
SELECT %s FROM certificates
	WHERE (id = ?)`

	selectRootCertificatesSQLTemplate = `
SELECT %s FROM certificates
	WHERE (type = ?)
ORDER BY issued_at DESC`

	selectCertificatesByUsernameSQLTemplate = `
SELECT %s FROM certificates
	WHERE (username = ?)
ORDER BY issued_at DESC`

	getChildrenSQLTemplate = `
SELECT %s FROM certificates
	WHERE (parent_id = ?)
ORDER BY issued_at`
)

// UserRecord defines the properties of a user row
type UserRecord struct {
	Username    string `db:"username"`
	Token       []byte `db:"token"`
	Email       string `db:"email"`
	DisplayName string `db:"display_name"`
	Role        string `db:"role"`
}

// RequestRecord defines the properties of a certificate request row
type RequestRecord struct {
	ID                string         `db:"id"`
	Type              string         `db:"type"`
	Status            string         `db:"status"`
	Username          string         `db:"username"`
	CreatedAt         time.Time      `db:"created_at"`
	HandledAt         sql.NullTime   `db:"handled_at"`
	RequestMessage    string         `db:"request_message"`
	ValidationMessage string         `db:"validation_message"`
	CommonName        string         `db:"common_name"`
	Dns               string         `db:"dns"`
	CsrPEM            []byte         `db:"csr_pem"`
	KeyPEM            []byte         `db:"key_pem"`
	KeyPassword       string         `db:"key_password"`
	CertificateID     sql.NullString `db:"certificate_id"`
}

// CertificateRecord defines the properties of a certificate row
type CertificateRecord struct {
	ID          string         `db:"id"`
	ParentID    sql.NullString `db:"parent_id"`
	IssuedAt    time.Time      `db:"issued_at"`
	Username    string         `db:"username"`
	Type        string         `db:"type"`
	Status      string         `db:"status"`
	CommonName  string         `db:"common_name"`
	CrlUrls     string         `db:"crl_urls"`
	CrtPEM      []byte         `db:"crt_pem"`
	KeyPEM      []byte         `db:"key_pem"`
	KeyPassword string         `db:"key_password"`
	Reason      sql.NullInt64  `db:"reason"`
}

// Accessor implements the registry interfaces over the record store
type Accessor struct {
	db *cadb.DB
}

// NewDBAccessor is a constructor for the database API
func NewDBAccessor(db *cadb.DB) *Accessor {
	return &Accessor{db}
}

func (d *Accessor) checkDB() error {
	if d.db == nil {
		return errors.New("Failed to correctly setup database connection")
	}
	return nil
}

// SetDB changes the underlying sql.DB object Accessor is manipulating.
func (d *Accessor) SetDB(db *cadb.DB) {
	d.db = db
}

// InsertUser inserts a user with a bcrypt hash of its password
func (d *Accessor) InsertUser(user *api.User, password string) error {
	if user == nil {
		return errors.New("User is not defined")
	}
	log.Debugf("DB: Add user %s", user.Username)

	err := d.checkDB()
	if err != nil {
		return err
	}

	token, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return errors.Wrap(err, "Failed to hash password")
	}

	res, err := d.db.NamedExec(insertUserSQL, &UserRecord{
		Username:    user.Username,
		Token:       token,
		Email:       user.Email,
		DisplayName: user.DisplayName,
		Role:        string(user.Role),
	})
	if err != nil {
		return errors.Wrapf(err, "Error adding user '%s' to the database", user.Username)
	}

	numRowsAffected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if numRowsAffected != 1 {
		return errors.Errorf("Expected to add one record to the database, but %d records were added", numRowsAffected)
	}

	log.Debugf("Successfully added user %s to the database", user.Username)
	return nil
}

// GetUser gets a user from the database
func (d *Accessor) GetUser(username string) (*api.User, error) {
	log.Debugf("DB: Getting user %s", username)

	err := d.checkDB()
	if err != nil {
		return nil, err
	}

	var userRec UserRecord
	err = d.db.Get(&userRec, d.db.Rebind(getUserSQL), username)
	if err != nil {
		return nil, getError(err, "User")
	}

	return userFromRecord(&userRec), nil
}

// Login verifies a username/password pair against the stored bcrypt token
func (d *Accessor) Login(username, password string) (*api.User, error) {
	err := d.checkDB()
	if err != nil {
		return nil, err
	}

	var userRec UserRecord
	err = d.db.Get(&userRec, d.db.Rebind(getUserSQL), username)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, caerrors.NewAuthenticationErr(caerrors.ErrAuthFailure, "Failed to login user '%s'", username)
		}
		return nil, getError(err, "User")
	}

	err = bcrypt.CompareHashAndPassword(userRec.Token, []byte(password))
	if err != nil {
		return nil, caerrors.NewAuthenticationErr(caerrors.ErrAuthFailure, "Failed to login user '%s'", username)
	}

	return userFromRecord(&userRec), nil
}

// InsertRequest inserts a certificate request into the database
func (d *Accessor) InsertRequest(req *api.Request) error {
	if req == nil {
		return errors.New("Request is not defined")
	}
	log.Debugf("DB: Add request %s for user %s", req.ID, req.Username)

	err := d.checkDB()
	if err != nil {
		return err
	}

	res, err := d.db.NamedExec(insertRequestSQL, &RequestRecord{
		ID:                req.ID,
		Type:              string(req.Type),
		Status:            string(req.Status),
		Username:          req.Username,
		CreatedAt:         req.CreatedAt.UTC(),
		RequestMessage:    req.RequestMessage,
		ValidationMessage: req.ValidationMessage,
		CommonName:        req.CommonName,
		Dns:               req.Dns,
		CsrPEM:            []byte(req.CsrContent),
		KeyPEM:            req.KeyContent,
		KeyPassword:       req.KeyPassword,
	})
	if err != nil {
		return caerrors.NewHTTPErr(500, caerrors.ErrDBInsert, "Error adding request '%s': %s", req.ID, err)
	}

	numRowsAffected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if numRowsAffected != 1 {
		return errors.Errorf("Expected to add one record to the database, but %d records were added", numRowsAffected)
	}

	return nil
}

// GetRequest gets a certificate request from the database
func (d *Accessor) GetRequest(id string) (*api.Request, error) {
	log.Debugf("DB: Getting request %s", id)

	err := d.checkDB()
	if err != nil {
		return nil, err
	}

	var reqRec RequestRecord
	err = d.db.Get(&reqRec, d.db.Rebind(fmt.Sprintf(getRequestSQLTemplate, sqlstruct.Columns(RequestRecord{}))), id)
	if err != nil {
		return nil, getError(err, "Request")
	}

	return requestFromRecord(&reqRec), nil
}

// SelectRequests runs a paged, filtered query over the requests table and
// returns the page plus the total row count
func (d *Accessor) SelectRequests(filters *registry.RequestFilters, page, pageSize int) ([]*api.Request, int, error) {
	err := d.checkDB()
	if err != nil {
		return nil, 0, err
	}

	if filters == nil {
		filters = &registry.RequestFilters{}
	}
	if page < 1 {
		page = 1
	}

	var conds []string
	var args []interface{}

	if filters.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, string(*filters.Status))
	}
	if filters.Type != nil {
		conds = append(conds, "type = ?")
		args = append(args, string(*filters.Type))
	}
	if filters.From != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, filters.From.UTC())
	}
	if filters.To != nil {
		conds = append(conds, "created_at <= ?")
		args = append(args, filters.To.UTC())
	}
	if filters.Handled != nil {
		if *filters.Handled {
			conds = append(conds, "handled_at IS NOT NULL")
		} else {
			conds = append(conds, "handled_at IS NULL")
		}
	}
	if filters.CommonName != "" {
		conds = append(conds, "common_name LIKE ?")
		args = append(args, "%"+filters.CommonName+"%")
	}
	if filters.Username != "" {
		conds = append(conds, "username = ?")
		args = append(args, filters.Username)
	}

	where := ""
	if len(conds) > 0 {
		where = "\n	WHERE (" + strings.Join(conds, ") AND (") + ")"
	}

	var total int
	err = d.db.Get(&total, d.db.Rebind("SELECT COUNT(*) FROM requests"+where), args...)
	if err != nil {
		return nil, 0, caerrors.NewHTTPErr(500, caerrors.ErrDBGet, "Error counting requests: %s", err)
	}

	query := fmt.Sprintf("SELECT %s FROM requests", sqlstruct.Columns(RequestRecord{})) + where +
		"\nORDER BY created_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, pageSize, (page-1)*pageSize)

	var recs []RequestRecord
	err = d.db.Select(&recs, d.db.Rebind(query), args...)
	if err != nil {
		return nil, 0, caerrors.NewHTTPErr(500, caerrors.ErrDBGet, "Error selecting requests: %s", err)
	}

	reqs := make([]*api.Request, len(recs))
	for i := range recs {
		reqs[i] = requestFromRecord(&recs[i])
	}
	return reqs, total, nil
}

// UpdateRequestDNS replaces the DNS name list of a request
func (d *Accessor) UpdateRequestDNS(id, dns string) error {
	log.Debugf("DB: Update DNS names of request %s", id)

	err := d.checkDB()
	if err != nil {
		return err
	}

	res, err := d.db.NamedExec(updateRequestDNSSQL, &RequestRecord{ID: id, Dns: dns})
	if err != nil {
		return caerrors.NewHTTPErr(500, caerrors.ErrDBUpdate, "Error updating request '%s': %s", id, err)
	}

	numRowsAffected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if numRowsAffected == 0 {
		return caerrors.NewHTTPErr(404, caerrors.ErrRequestNotFound, "Request '%s' not found", id)
	}
	return nil
}

// ApproveRequest persists the new certificate and transitions the request
// to Approved in a single transaction
func (d *Accessor) ApproveRequest(requestID string, cert *api.Certificate) error {
	log.Debugf("DB: Approve request %s with certificate %s", requestID, cert.ID)

	_, err := d.doTransaction(d.approveRequestTx, requestID, cert)
	return err
}

func (d *Accessor) approveRequestTx(tx *sqlx.Tx, args ...interface{}) (interface{}, error) {
	requestID := args[0].(string)
	cert := args[1].(*api.Certificate)

	var reqRec RequestRecord
	err := tx.Get(&reqRec, tx.Rebind(fmt.Sprintf(getRequestSQLTemplate, sqlstruct.Columns(RequestRecord{}))), requestID)
	if err != nil {
		return nil, getError(err, "Request")
	}
	if reqRec.Status != string(api.StatusPending) {
		return nil, caerrors.NewHTTPErr(400, caerrors.ErrRequestHandled, "Request '%s' has already been handled", requestID)
	}

	_, err = tx.NamedExec(tx.Rebind(insertCertificateSQL), certificateToRecord(cert))
	if err != nil {
		return nil, caerrors.NewHTTPErr(500, caerrors.ErrDBInsert, "Error adding certificate '%s': %s", cert.ID, err)
	}

	reqRec.Status = string(api.StatusApproved)
	reqRec.HandledAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	reqRec.CertificateID = sql.NullString{String: cert.ID, Valid: true}

	_, err = tx.NamedExec(tx.Rebind(approveRequestSQL), &reqRec)
	if err != nil {
		return nil, caerrors.NewHTTPErr(500, caerrors.ErrDBUpdate, "Error updating request '%s': %s", requestID, err)
	}

	return nil, nil
}

// GetCertificate gets a certificate from the database
func (d *Accessor) GetCertificate(id string) (*api.Certificate, error) {
	log.Debugf("DB: Getting certificate %s", id)

	err := d.checkDB()
	if err != nil {
		return nil, err
	}

	var certRec CertificateRecord
	err = d.db.Get(&certRec, d.db.Rebind(fmt.Sprintf(getCertificateSQLTemplate, sqlstruct.Columns(CertificateRecord{}))), id)
	if err != nil {
		return nil, getError(err, "Certificate")
	}

	return certificateFromRecord(&certRec), nil
}

// SelectRootCertificates returns all root CA certificates
func (d *Accessor) SelectRootCertificates() ([]*api.Certificate, error) {
	err := d.checkDB()
	if err != nil {
		return nil, err
	}

	var recs []CertificateRecord
	err = d.db.Select(&recs, d.db.Rebind(fmt.Sprintf(selectRootCertificatesSQLTemplate, sqlstruct.Columns(CertificateRecord{}))), string(api.RootCA))
	if err != nil {
		return nil, caerrors.NewHTTPErr(500, caerrors.ErrDBGet, "Error selecting root certificates: %s", err)
	}
	return certificatesFromRecords(recs), nil
}

// SelectCertificatesByUsername returns the certificates owned by a user
func (d *Accessor) SelectCertificatesByUsername(username string) ([]*api.Certificate, error) {
	err := d.checkDB()
	if err != nil {
		return nil, err
	}

	var recs []CertificateRecord
	err = d.db.Select(&recs, d.db.Rebind(fmt.Sprintf(selectCertificatesByUsernameSQLTemplate, sqlstruct.Columns(CertificateRecord{}))), username)
	if err != nil {
		return nil, caerrors.NewHTTPErr(500, caerrors.ErrDBGet, "Error selecting certificates for user '%s': %s", username, err)
	}
	return certificatesFromRecords(recs), nil
}

// GetChildren returns the certificates issued directly under parentID
func (d *Accessor) GetChildren(parentID string) ([]*api.Certificate, error) {
	err := d.checkDB()
	if err != nil {
		return nil, err
	}

	var parentRec CertificateRecord
	err = d.db.Get(&parentRec, d.db.Rebind(fmt.Sprintf(getCertificateSQLTemplate, sqlstruct.Columns(CertificateRecord{}))), parentID)
	if err != nil {
		return nil, getError(err, "Certificate")
	}

	var recs []CertificateRecord
	err = d.db.Select(&recs, d.db.Rebind(fmt.Sprintf(getChildrenSQLTemplate, sqlstruct.Columns(CertificateRecord{}))), parentID)
	if err != nil {
		return nil, caerrors.NewHTTPErr(500, caerrors.ErrDBGet, "Error selecting children of certificate '%s': %s", parentID, err)
	}
	return certificatesFromRecords(recs), nil
}

// RemoveCertificate revokes and removes the whole subtree under the
// certificate bottom-up, then the certificate itself, in one transaction.
// It returns the ids of the removed descendants.
func (d *Accessor) RemoveCertificate(id string, reason int) ([]string, error) {
	log.Debugf("DB: Remove certificate %s and its subtree", id)

	result, err := d.doTransaction(d.removeCertificateTx, id, reason)
	if err != nil {
		return nil, err
	}
	return result.([]string), nil
}

func (d *Accessor) removeCertificateTx(tx *sqlx.Tx, args ...interface{}) (interface{}, error) {
	id := args[0].(string)
	reason := args[1].(int)

	var certRec CertificateRecord
	err := tx.Get(&certRec, tx.Rebind(fmt.Sprintf(getCertificateSQLTemplate, sqlstruct.Columns(CertificateRecord{}))), id)
	if err != nil {
		return nil, getError(err, "Certificate")
	}

	// breadth-first walk, then revoke and delete deepest-first so no row
	// ever points at a missing parent
	order := []string{id}
	for i := 0; i < len(order); i++ {
		var childIDs []string
		err = tx.Select(&childIDs, tx.Rebind("SELECT id FROM certificates WHERE (parent_id = ?)"), order[i])
		if err != nil {
			return nil, caerrors.NewHTTPErr(500, caerrors.ErrDBGet, "Error selecting children of certificate '%s': %s", order[i], err)
		}
		order = append(order, childIDs...)
	}

	for i := len(order) - 1; i >= 0; i-- {
		record := &CertificateRecord{
			ID:     order[i],
			Status: string(api.CertStatusRevoked),
			Reason: sql.NullInt64{Int64: int64(reason), Valid: true},
		}
		_, err = tx.NamedExec(tx.Rebind(revokeCertificateSQL), record)
		if err != nil {
			return nil, caerrors.NewHTTPErr(500, caerrors.ErrDBUpdate, "Error revoking certificate '%s': %s", order[i], err)
		}
		_, err = tx.Exec(tx.Rebind(deleteCertificateSQL), order[i])
		if err != nil {
			return nil, caerrors.NewHTTPErr(500, caerrors.ErrDBDelete, "Error deleting certificate '%s': %s", order[i], err)
		}
	}

	return order[1:], nil
}

func (d *Accessor) doTransaction(doit func(tx *sqlx.Tx, args ...interface{}) (interface{}, error), args ...interface{}) (interface{}, error) {
	err := d.checkDB()
	if err != nil {
		return nil, err
	}

	tx := d.db.MustBegin()
	result, err := doit(tx, args...)
	if err != nil {
		err2 := tx.Rollback()
		if err2 != nil {
			log.Errorf("Error encountered while rolling back transaction: %s", err2)
			return nil, err
		}
		return nil, err
	}

	err = tx.Commit()
	if err != nil {
		return nil, errors.Wrap(err, "Error encountered while committing transaction")
	}

	return result, nil
}

func getError(err error, objType string) error {
	if err == sql.ErrNoRows {
		switch objType {
		case "Request":
			return caerrors.NewHTTPErr(404, caerrors.ErrRequestNotFound, "Request not found")
		case "Certificate":
			return caerrors.NewHTTPErr(404, caerrors.ErrCertificateNotFound, "Certificate not found")
		case "User":
			return caerrors.NewHTTPErr(404, caerrors.ErrUserNotFound, "User not found")
		}
	}
	return caerrors.NewHTTPErr(500, caerrors.ErrDBGet, "Failed to get %s: %s", objType, err)
}

func userFromRecord(rec *UserRecord) *api.User {
	return &api.User{
		Username:    rec.Username,
		Email:       rec.Email,
		DisplayName: rec.DisplayName,
		Role:        api.UserRole(rec.Role),
	}
}

func requestFromRecord(rec *RequestRecord) *api.Request {
	req := &api.Request{
		ID:                rec.ID,
		Type:              api.CertificateType(rec.Type),
		Status:            api.RequestStatus(rec.Status),
		Username:          rec.Username,
		CreatedAt:         rec.CreatedAt,
		RequestMessage:    rec.RequestMessage,
		ValidationMessage: rec.ValidationMessage,
		CommonName:        rec.CommonName,
		Dns:               rec.Dns,
		CsrContent:        string(rec.CsrPEM),
		KeyContent:        rec.KeyPEM,
		KeyPassword:       rec.KeyPassword,
	}
	if rec.HandledAt.Valid {
		t := rec.HandledAt.Time
		req.HandledAt = &t
	}
	if rec.CertificateID.Valid {
		id := rec.CertificateID.String
		req.CertificateID = &id
	}
	return req
}

func certificateFromRecord(rec *CertificateRecord) *api.Certificate {
	cert := &api.Certificate{
		ID:          rec.ID,
		IssuedAt:    rec.IssuedAt,
		Username:    rec.Username,
		Type:        api.CertificateType(rec.Type),
		Status:      api.CertificateStatus(rec.Status),
		CommonName:  rec.CommonName,
		CrlUrls:     rec.CrlUrls,
		CrtFile:     rec.CrtPEM,
		KeyFile:     rec.KeyPEM,
		KeyPassword: rec.KeyPassword,
	}
	if rec.ParentID.Valid {
		id := rec.ParentID.String
		cert.ParentID = &id
	}
	return cert
}

func certificateToRecord(cert *api.Certificate) *CertificateRecord {
	rec := &CertificateRecord{
		ID:          cert.ID,
		IssuedAt:    cert.IssuedAt.UTC(),
		Username:    cert.Username,
		Type:        string(cert.Type),
		Status:      string(cert.Status),
		CommonName:  cert.CommonName,
		CrlUrls:     cert.CrlUrls,
		CrtPEM:      cert.CrtFile,
		KeyPEM:      cert.KeyFile,
		KeyPassword: cert.KeyPassword,
	}
	if cert.ParentID != nil {
		rec.ParentID = sql.NullString{String: *cert.ParentID, Valid: true}
	}
	return rec
}

func certificatesFromRecords(recs []CertificateRecord) []*api.Certificate {
	certs := make([]*api.Certificate, len(recs))
	for i := range recs {
		certs[i] = certificateFromRecord(&recs[i])
	}
	return certs
}
