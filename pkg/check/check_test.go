package check

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasPrivilege(t *testing.T) {
	grants := []string{"GRANT REPLICATION SLAVE, REPLICATION CLIENT ON *.* TO 'repl'@'%'"}
	assert.True(t, hasPrivilege(grants, "REPLICATION SLAVE"))
	assert.True(t, hasPrivilege(grants, "REPLICATION CLIENT"))
	assert.False(t, hasPrivilege(grants, "SUPER"))
}

func TestHasPrivilegeAllPrivileges(t *testing.T) {
	grants := []string{"GRANT ALL PRIVILEGES ON *.* TO 'repl'@'%'"}
	assert.True(t, hasPrivilege(grants, "REPLICATION SLAVE"))
}

func TestIsMySQL56OrNewer(t *testing.T) {
	assert.True(t, isMySQL56OrNewer("8.0.34"))
	assert.True(t, isMySQL56OrNewer("5.6.0"))
	assert.False(t, isMySQL56OrNewer("5.5.62"))
	assert.False(t, isMySQL56OrNewer("not-a-version"))
}

func TestDialectString(t *testing.T) {
	assert.Equal(t, "mysql", DialectMySQL.String())
	assert.Equal(t, "mariadb", DialectMariaDB.String())
	assert.Equal(t, "unknown", DialectUnknown.String())
}

// TestPrivilegesAndVersionAgainstLiveServer exercises Privileges and
// Version against a real connection, the same skip-if-unset pattern the
// rest of this codebase uses for anything that requires a live MySQL
// server.
func TestPrivilegesAndVersionAgainstLiveServer(t *testing.T) {
	dsn := os.Getenv("SOURCE_DSN")
	if dsn == "" {
		t.Skip("skipping test because SOURCE_DSN not set")
	}
	db, err := sql.Open("mysql", dsn)
	require.NoError(t, err)
	defer db.Close()

	logger := logrus.New()
	assert.NoError(t, Privileges(context.Background(), db, logger))

	version, dialect, err := Version(context.Background(), db, logger)
	assert.NoError(t, err)
	assert.NotEmpty(t, version)
	assert.NotEqual(t, DialectUnknown, dialect)
}
