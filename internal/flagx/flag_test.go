package flagx

import (
	"os"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterArgs(t *testing.T) {
	tests := []struct {
		name         string
		args         []string
		allowedFlags []string
		want         []string
	}{
		{
			name:         "short flag with separate value",
			args:         []string{"-d", "postgres://localhost/pay", "-x", "1"},
			allowedFlags: []string{"-d", "--database"},
			want:         []string{"-d", "postgres://localhost/pay"},
		},
		{
			name:         "long flag with equals",
			args:         []string{"--database=postgres://alt/pay", "-x", "1"},
			allowedFlags: []string{"-d", "--database"},
			want:         []string{"--database=postgres://alt/pay"},
		},
		{
			name:         "both spellings present, order preserved",
			args:         []string{"--database=first", "-d", "second", "-x", "1"},
			allowedFlags: []string{"-d", "--database"},
			want:         []string{"--database=first", "-d", "second"},
		},
		{
			name:         "unknown flags and positionals ignored",
			args:         []string{"-x", "1", "--y=2", "positional"},
			allowedFlags: []string{"-d", "--database"},
			want:         []string{},
		},
		{
			name:         "flag without value at end is kept as-is",
			args:         []string{"-d"},
			allowedFlags: []string{"-d"},
			want:         []string{"-d"},
		},
		{
			name:         "next dash-starting token is not consumed as value",
			args:         []string{"-d", "-m"},
			allowedFlags: []string{"-d"},
			want:         []string{"-d"},
		},
		{
			name:         "equals form keeps a dash-starting value",
			args:         []string{"--network=-odd-"},
			allowedFlags: []string{"--network"},
			want:         []string{"--network=-odd-"},
		},
		{
			name:         "several allowed flags kept together",
			args:         []string{"-m", "localhost:9102", "-d", "postgres://localhost/pay", "--other", "x"},
			allowedFlags: []string{"-d", "-m"},
			want:         []string{"-m", "localhost:9102", "-d", "postgres://localhost/pay"},
		},
		{
			name:         "empty args",
			args:         []string{},
			allowedFlags: []string{"-d", "--database"},
			want:         []string{},
		},
		{
			name:         "adjacent allowed flags both survive",
			args:         []string{"-d", "--database=alt"},
			allowedFlags: []string{"-d", "--database"},
			want:         []string{"-d", "--database=alt"},
		},
		{
			name:         "repeated allowed flag preserved in order",
			args:         []string{"-n", "testnet", "-n", "mainnet"},
			allowedFlags: []string{"-n"},
			want:         []string{"-n", "testnet", "-n", "mainnet"},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := FilterArgs(tt.args, tt.allowedFlags)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("FilterArgs() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func Test_jsonConfigFlags(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	t.Run("short -c with value", func(t *testing.T) {
		os.Args = []string{"testbin", "-c", "/etc/xrpkeeper/short.json"}
		assert.Equal(t, "/etc/xrpkeeper/short.json", JsonConfigFlags())
	})

	t.Run("long -config with value", func(t *testing.T) {
		os.Args = []string{"testbin", "-config", "/etc/xrpkeeper/long.json"}
		assert.Equal(t, "/etc/xrpkeeper/long.json", JsonConfigFlags())
	})

	t.Run("unknown flags are ignored", func(t *testing.T) {
		os.Args = []string{"testbin", "-x", "1", "-y", "2"}
		assert.Empty(t, JsonConfigFlags())
	})

	t.Run("multiple flags, last wins", func(t *testing.T) {
		os.Args = []string{"testbin", "-c", "/etc/1.json", "-config", "/etc/2.json"}
		assert.Equal(t, "/etc/2.json", JsonConfigFlags())
	})
}
