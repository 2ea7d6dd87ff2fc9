package evfs

import (
	"testing"

	"github.com/psanford/sqlite3vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyByOpenFlag(t *testing.T) {
	tests := []struct {
		name  string
		path  string
		flags sqlite3vfs.OpenFlag
		want  fileKind
	}{
		{"main db", "app.db", sqlite3vfs.OpenMainDB | sqlite3vfs.OpenCreate | sqlite3vfs.OpenReadWrite, kindMainDB},
		{"main journal", "app.db-journal", sqlite3vfs.OpenMainJournal, kindAuxiliary},
		{"wal", "app.db-wal", sqlite3vfs.OpenWAL, kindAuxiliary},
		{"temp db", "etilqs_tmp", sqlite3vfs.OpenTempDB, kindAuxiliary},
		{"sub journal", "etilqs_sub", sqlite3vfs.OpenSubJournal, kindAuxiliary},
		{"no flags but journal suffix", "app.db-journal", 0, kindAuxiliary},
		{"no flags, no suffix", "app.db", 0, kindMainDB},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.path, tt.flags))
		})
	}
}

func TestValidateHeaderReserveMatches(t *testing.T) {
	page1 := make([]byte, testPageSize)
	page1[headerReserveByte] = byte(testReserveSize)
	require.NoError(t, validateHeaderReserve(page1, testReserveSize))
}

func TestValidateHeaderReserveMismatch(t *testing.T) {
	page1 := make([]byte, testPageSize)
	page1[headerReserveByte] = 0
	err := validateHeaderReserve(page1, testReserveSize)
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
}

func TestValidateHeaderReserveTooShort(t *testing.T) {
	err := validateHeaderReserve(make([]byte, 10), testReserveSize)
	require.Error(t, err)
}

func TestNeedsHeaderInit(t *testing.T) {
	create := sqlite3vfs.OpenMainDB | sqlite3vfs.OpenCreate | sqlite3vfs.OpenReadWrite
	open := sqlite3vfs.OpenMainDB | sqlite3vfs.OpenReadWrite

	assert.True(t, needsHeaderInit(create, 0), "brand new file with create flag needs header init")
	assert.True(t, needsHeaderInit(create, 99), "a file shorter than a SQLite header needs header init")
	assert.False(t, needsHeaderInit(create, 100), "a file with a full header already present does not")
	assert.False(t, needsHeaderInit(open, 0), "without the create flag, an empty file is not being newly created by this handle")
}

func TestEnforceHeaderReservePatchesByte20(t *testing.T) {
	page1 := make([]byte, testPageSize)
	page1[headerReserveByte] = 0
	enforceHeaderReserve(page1, testReserveSize)
	assert.Equal(t, byte(testReserveSize), page1[headerReserveByte])
}

func TestEnforceHeaderReserveIgnoresShortBuffer(t *testing.T) {
	short := make([]byte, 10)
	enforceHeaderReserve(short, testReserveSize)
	assert.Equal(t, make([]byte, 10), short, "a buffer too short to contain the header is left untouched")
}
