package dbconn

import (
	"crypto/tls"
	"crypto/x509"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
)

const (
	customTLSConfigName   = "custom"
	requiredTLSConfigName = "required"
	verifyCATLSConfigName = "verify_ca"
	verifyIDTLSConfigName = "verify_identity"
	maxConnLifetime       = time.Minute * 3
	maxIdleConns          = 10
)

// rdsAddr matches Amazon RDS/Aurora hostnames with an optional :port
// suffix. It's informational only: it does not change which certificate
// bundle is used, since this process has no bundle of its own baked in
// (see DESIGN.md, "TLS certificate bundle").
var (
	rdsAddr      = regexp.MustCompile(`\.rds\.amazonaws\.com(:\d+)?$`)
	registerOnce sync.Map
)

func IsRDSHost(host string) bool {
	return rdsAddr.MatchString(host)
}

// LoadCertificateFromFile loads PEM-encoded certificate data from a file.
func LoadCertificateFromFile(filePath string) ([]byte, error) {
	return os.ReadFile(filePath)
}

// NewCustomTLSConfig builds a tls.Config from a PEM certificate bundle and
// an SSL mode name (DISABLED/PREFERRED/REQUIRED/VERIFY_CA/VERIFY_IDENTITY).
func NewCustomTLSConfig(certData []byte, sslMode string) *tls.Config {
	var caCertPool *x509.CertPool
	if len(certData) > 0 {
		caCertPool = x509.NewCertPool()
		caCertPool.AppendCertsFromPEM(certData)
	}

	switch strings.ToUpper(sslMode) {
	case "DISABLED":
		return nil
	case "PREFERRED":
		// Encryption only, no certificate verification.
		return &tls.Config{InsecureSkipVerify: true}
	case "REQUIRED":
		// Encryption only; a supplied pool is attached but, with
		// InsecureSkipVerify set, the server certificate is not checked.
		return &tls.Config{RootCAs: caCertPool, InsecureSkipVerify: true}
	case "VERIFY_CA":
		if caCertPool == nil {
			return &tls.Config{InsecureSkipVerify: true}
		}
		return &tls.Config{
			RootCAs:            caCertPool,
			InsecureSkipVerify: true, // skip Go's default verifier; we run our own below
			VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
				if len(rawCerts) == 0 {
					return errors.New("no certificates provided")
				}
				var certs []*x509.Certificate
				for _, rawCert := range rawCerts {
					cert, err := x509.ParseCertificate(rawCert)
					if err != nil {
						return fmt.Errorf("failed to parse certificate: %w", err)
					}
					certs = append(certs, cert)
				}
				intermediates := x509.NewCertPool()
				for _, cert := range certs[1:] {
					intermediates.AddCert(cert)
				}
				opts := x509.VerifyOptions{Roots: caCertPool, Intermediates: intermediates}
				_, err := certs[0].Verify(opts)
				if err != nil {
					return fmt.Errorf("certificate verification failed: %w", err)
				}
				return nil
			},
		}
	case "VERIFY_IDENTITY":
		return &tls.Config{RootCAs: caCertPool, InsecureSkipVerify: false}
	default:
		return &tls.Config{InsecureSkipVerify: true}
	}
}

// initCustomTLS registers a tls.Config with the go-sql-driver under the
// name getTLSConfigName(config.TLSMode), loading config.TLSCertificatePath
// if one was supplied. VERIFY_CA and VERIFY_IDENTITY require a certificate
// path; without one, connections in those modes fail at registration time
// rather than silently downgrading verification.
func initCustomTLS(config *DBConfig) error {
	mode := strings.ToUpper(config.TLSMode)
	var certData []byte
	var err error
	if config.TLSCertificatePath != "" {
		certData, err = LoadCertificateFromFile(config.TLSCertificatePath)
		if err != nil {
			return err
		}
	} else if mode == "VERIFY_CA" || mode == "VERIFY_IDENTITY" {
		return fmt.Errorf("tls mode %s requires TLSCertificatePath to be set", mode)
	}

	tlsConfig := NewCustomTLSConfig(certData, config.TLSMode)
	if tlsConfig == nil {
		return nil
	}
	configName := getTLSConfigName(config.TLSMode)
	if _, already := registerOnce.LoadOrStore(configName, struct{}{}); already {
		return nil
	}
	if err := mysql.RegisterTLSConfig(configName, tlsConfig); err != nil && !strings.Contains(err.Error(), "already registered") {
		return err
	}
	return nil
}

func getTLSConfigName(mode string) string {
	switch strings.ToUpper(mode) {
	case "DISABLED":
		return ""
	case "REQUIRED":
		return requiredTLSConfigName
	case "VERIFY_CA":
		return verifyCATLSConfigName
	case "VERIFY_IDENTITY":
		return verifyIDTLSConfigName
	default: // PREFERRED and unrecognized modes
		return customTLSConfigName
	}
}

// newDSN parses dsn and appends the session variables every source
// connection this process opens needs, plus the TLS configuration for
// config.TLSMode unless the DSN already carries an explicit tls parameter,
// which is then kept as given.
func newDSN(dsn string, config *DBConfig) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", err
	}

	if cfg.TLSConfig == "" && strings.ToUpper(config.TLSMode) != "DISABLED" {
		if err := initCustomTLS(config); err != nil {
			return "", err
		}
		cfg.TLSConfig = getTLSConfigName(config.TLSMode)
	}

	if cfg.Params == nil {
		cfg.Params = make(map[string]string)
	}
	// A source might have sql_mode set even though the binlog stream and
	// snapshot reads need to tolerate historical values (e.g. zero dates)
	// it would otherwise reject; mysqldump and most replication tools
	// unset it the same way.
	cfg.Params["sql_mode"] = `""`
	cfg.Params["time_zone"] = `"+00:00"`
	cfg.Params["innodb_lock_wait_timeout"] = strconv.Itoa(config.InnodbLockWaitTimeout)
	cfg.Params["lock_wait_timeout"] = strconv.Itoa(config.LockWaitTimeout)
	cfg.Params["range_optimizer_max_mem_size"] = strconv.FormatInt(config.RangeOptimizerMaxMemSize, 10)
	cfg.Params["transaction_isolation"] = `"read-committed"`
	cfg.Params["charset"] = "utf8mb4"

	cfg.Collation = "utf8mb4_bin"
	// Recycle the connection if we inadvertently land on an old primary
	// now demoted to a read-only replica, observed during failover.
	cfg.RejectReadOnly = true
	cfg.InterpolateParams = config.InterpolateParams
	cfg.AllowNativePasswords = true
	cfg.AllowCleartextPasswords = cfg.TLSConfig != ""

	return cfg.FormatDSN(), nil
}

// New opens a standardized connection to a MySQL-family source, pinging it
// before returning.
func New(inputDSN string, config *DBConfig) (db *sql.DB, err error) {
	return NewWithConnectionType(inputDSN, config, "source database")
}

// NewWithConnectionType is like New but annotates errors with connectionType.
func NewWithConnectionType(inputDSN string, config *DBConfig, connectionType string) (db *sql.DB, err error) {
	dsn, err := newDSN(inputDSN, config)
	if err != nil {
		return nil, err
	}
	defer func() {
		if db != nil && err == nil {
			db.SetMaxOpenConns(config.MaxOpenConnections)
			db.SetConnMaxLifetime(maxConnLifetime)
			db.SetMaxIdleConns(maxIdleConns)
		}
	}()

	if strings.ToUpper(config.TLSMode) == "PREFERRED" {
		db, err := sql.Open("mysql", dsn)
		if err == nil {
			if err := db.Ping(); err == nil {
				return db, nil
			}
			_ = db.Close()
		}
		// TLS failed; fall back to an unencrypted connection rather than
		// refusing to replicate a source that can't negotiate TLS.
		configCopy := *config
		configCopy.TLSMode = "DISABLED"
		fallbackDSN, err := newDSN(inputDSN, &configCopy)
		if err != nil {
			return nil, fmt.Errorf("failed to build fallback dsn for %s: %w", connectionType, err)
		}
		db, err = sql.Open("mysql", fallbackDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open fallback %s connection: %w", connectionType, err)
		}
		if err := db.Ping(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("[%s-fallback] ping failed: %w", strings.ToUpper(strings.ReplaceAll(connectionType, " ", "-")), err)
		}
		return db, nil
	}

	db, err = sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", connectionType, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("[%s] ping failed: %w", strings.ToUpper(strings.ReplaceAll(connectionType, " ", "-")), err)
	}
	return db, nil
}

// GetTLSConfigForBinlog builds the tls.Config the binlog streamer's raw
// connection needs, using the same certificate and mode as New.
func GetTLSConfigForBinlog(config *DBConfig, host string) (*tls.Config, error) {
	if config == nil || strings.ToUpper(config.TLSMode) == "DISABLED" {
		return nil, nil
	}
	mode := strings.ToUpper(config.TLSMode)
	var certData []byte
	if config.TLSCertificatePath != "" {
		var err error
		certData, err = LoadCertificateFromFile(config.TLSCertificatePath)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
		}
	} else if mode == "VERIFY_CA" || mode == "VERIFY_IDENTITY" {
		return nil, fmt.Errorf("tls mode %s requires TLSCertificatePath to be set", mode)
	}

	tlsConfig := NewCustomTLSConfig(certData, config.TLSMode)
	if tlsConfig != nil {
		tlsConfig.ServerName = host
	}
	return tlsConfig, nil
}
