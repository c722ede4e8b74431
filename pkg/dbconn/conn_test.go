package dbconn

import (
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
)

func assertDSNConfig(t *testing.T, dsnStr string, user, password, addr, dbName, tlsConfig string, interpolateParams bool) {
	t.Helper()
	cfg, err := mysql.ParseDSN(dsnStr)
	assert.NoError(t, err)
	if cfg == nil {
		return
	}
	assert.Equal(t, user, cfg.User)
	assert.Equal(t, password, cfg.Passwd)
	assert.Equal(t, addr, cfg.Addr)
	assert.Equal(t, dbName, cfg.DBName)
	assert.Equal(t, tlsConfig, cfg.TLSConfig)
	assert.Equal(t, true, cfg.AllowNativePasswords)
	assert.Equal(t, true, cfg.RejectReadOnly)
	assert.Equal(t, interpolateParams, cfg.InterpolateParams)
	assert.Equal(t, "utf8mb4_bin", cfg.Collation)
	assert.Equal(t, `""`, cfg.Params["sql_mode"])
	assert.Equal(t, `"+00:00"`, cfg.Params["time_zone"])
	assert.Equal(t, `"read-committed"`, cfg.Params["transaction_isolation"])
}

func TestNewDSN(t *testing.T) {
	dsn := "root:password@tcp(127.0.0.1:3306)/test"
	resp, err := newDSN(dsn, NewDBConfig())
	assert.NoError(t, err)
	assertDSNConfig(t, resp, "root", "password", "127.0.0.1:3306", "test", "custom", false)

	config := NewDBConfig()
	config.InterpolateParams = true
	resp, err = newDSN(dsn, config)
	assert.NoError(t, err)
	assertDSNConfig(t, resp, "root", "password", "127.0.0.1:3306", "test", "custom", true)

	// DISABLED mode carries no tls parameter at all.
	disabled := NewDBConfig()
	disabled.TLSMode = "DISABLED"
	resp, err = newDSN(dsn, disabled)
	assert.NoError(t, err)
	assertDSNConfig(t, resp, "root", "password", "127.0.0.1:3306", "test", "", false)

	// An explicit tls parameter is kept; the session settings are still applied.
	dsn = "root:password@tcp(127.0.0.1:3306)/test?tls=skip-verify"
	resp, err = newDSN(dsn, NewDBConfig())
	assert.NoError(t, err)
	assert.Contains(t, resp, "tls=skip-verify", "explicit tls parameter should be kept")
	assertDSNConfig(t, resp, "root", "password", "127.0.0.1:3306", "test", "skip-verify", false)

	dsn = "invalid"
	resp, err = newDSN(dsn, NewDBConfig())
	assert.Error(t, err)
	assert.Empty(t, resp)
}

func TestNewDSNVerifyCARequiresCertificate(t *testing.T) {
	config := NewDBConfig()
	config.TLSMode = "VERIFY_CA"
	_, err := newDSN("root:password@tcp(127.0.0.1:3306)/test", config)
	assert.Error(t, err)
}

func TestNewDSNAllowCleartextPasswords(t *testing.T) {
	dsn := "root:password@tcp(127.0.0.1:3306)/test"
	resp, err := newDSN(dsn, NewDBConfig())
	assert.NoError(t, err)
	cfg, err := mysql.ParseDSN(resp)
	assert.NoError(t, err)
	assert.NotEmpty(t, cfg.TLSConfig, "TLS should be configured in default mode")
	assert.True(t, cfg.AllowCleartextPasswords, "AllowCleartextPasswords should be true when TLS is enabled")

	config := NewDBConfig()
	config.TLSMode = "DISABLED"
	resp, err = newDSN(dsn, config)
	assert.NoError(t, err)
	cfg, err = mysql.ParseDSN(resp)
	assert.NoError(t, err)
	assert.Empty(t, cfg.TLSConfig, "TLS should not be configured in DISABLED mode")
	assert.False(t, cfg.AllowCleartextPasswords, "AllowCleartextPasswords should be false when TLS is disabled")
}

func TestIsRDSHost(t *testing.T) {
	assert.True(t, IsRDSHost("tern-001.cluster-ro-ckxxxxxxvm.us-west-2.rds.amazonaws.com"))
	assert.True(t, IsRDSHost("tern-001.cluster-ro-ckxxxxxxvm.us-west-2.rds.amazonaws.com:3306"))
	assert.False(t, IsRDSHost("fake-rds.amazonaws.com"))
	assert.False(t, IsRDSHost("mydbhost.internal"))
}
