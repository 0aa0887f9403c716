package relay

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/ini.v1"

	"github.com/gridlink/gridlink/internal/apperr"
	"github.com/gridlink/gridlink/internal/model"
)

var testCommon = Common{ServerAddr: "iad.relay.test", ServerPort: 7000, Token: "tok", User: "u1"}

func TestWriteConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sidecar.ini")
	err := WriteConfig(path, testCommon, []model.TunnelSpec{
		{ID: "web", Subdomain: "brave-otter-1234", LocalPort: 8080, Protocol: model.TunnelHTTP},
		{ID: "mc", LocalPort: 25565, RemotePort: 35565, Protocol: model.TunnelTCP},
	})
	require.NoError(t, err)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	if filepath.Separator == '/' {
		assert.Equal(t, os.FileMode(0600), fi.Mode().Perm())
	}

	f, err := ini.Load(path)
	require.NoError(t, err)
	common := f.Section("common")
	assert.Equal(t, "iad.relay.test", common.Key("server_addr").String())
	assert.Equal(t, 7000, common.Key("server_port").MustInt())
	assert.Equal(t, "token", common.Key("authentication_method").String())
	assert.Equal(t, "tok", common.Key("token").String())
	assert.Equal(t, "u1", common.Key("user").String())

	web := f.Section("web")
	assert.Equal(t, "http", web.Key("type").String())
	assert.Equal(t, "127.0.0.1", web.Key("local_ip").String())
	assert.Equal(t, 8080, web.Key("local_port").MustInt())
	assert.Equal(t, "brave-otter-1234", web.Key("subdomain").String())
	assert.False(t, web.HasKey("remote_port"))

	mc := f.Section("mc")
	assert.Equal(t, "tcp", mc.Key("type").String())
	assert.Equal(t, 35565, mc.Key("remote_port").MustInt())
	assert.False(t, mc.HasKey("subdomain"))

	n, err := ReadTunnelCount(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestBuildConfigRejects(t *testing.T) {
	cases := map[string]struct {
		common  Common
		tunnels []model.TunnelSpec
		kind    apperr.Kind
	}{
		"no server":     {Common{Token: "t"}, nil, apperr.Invalid},
		"no token":      {Common{ServerAddr: "a", ServerPort: 1}, nil, apperr.Invalid},
		"bad subdomain": {testCommon, []model.TunnelSpec{{ID: "x", Subdomain: "NO", LocalPort: 80, Protocol: model.TunnelHTTPS}}, apperr.Invalid},
		"tcp no remote": {testCommon, []model.TunnelSpec{{ID: "x", LocalPort: 80, Protocol: model.TunnelTCP}}, apperr.Invalid},
		"reserved id":   {testCommon, []model.TunnelSpec{{ID: "common", LocalPort: 80, RemotePort: 81, Protocol: model.TunnelTCP}}, apperr.Invalid},
		"duplicate id": {testCommon, []model.TunnelSpec{
			{ID: "x", LocalPort: 80, RemotePort: 81, Protocol: model.TunnelTCP},
			{ID: "x", LocalPort: 82, RemotePort: 83, Protocol: model.TunnelTCP},
		}, apperr.Conflict},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := BuildConfig(tc.common, tc.tunnels)
			assert.Equal(t, tc.kind, apperr.KindOf(err))
		})
	}
}

func TestWriteConfigLeavesOldFileOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sidecar.ini")
	require.NoError(t, WriteConfig(path, testCommon, nil))
	before, _ := os.ReadFile(path)
	require.Error(t, WriteConfig(path, Common{}, nil))
	after, _ := os.ReadFile(path)
	assert.Equal(t, before, after)
}
