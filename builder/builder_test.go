package builder

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bililive-go/bililive"
)

// fakeRequester scripts canned JSON responses per URL, so ConfigBuilder
// tests never make a real network call.
type fakeRequester struct {
	json    map[string][]byte
	jsonErr map[string]error
	cookies map[string]string
	calls   []string
	// lastParams records the params map of the most recent GetJSONWith
	// call per URL, so tests can assert on what a caller (e.g. wbi
	// signing) actually sent.
	lastParams map[string]map[string]string
}

func newFakeRequester() *fakeRequester {
	return &fakeRequester{
		json:       map[string][]byte{},
		jsonErr:    map[string]error{},
		cookies:    map[string]string{},
		lastParams: map[string]map[string]string{},
	}
}

func (f *fakeRequester) GetJSON(ctx context.Context, url string, out any) error {
	f.calls = append(f.calls, url)
	if err, ok := f.jsonErr[url]; ok {
		return err
	}
	data, ok := f.json[url]
	if !ok {
		return errors.New("fakeRequester: no response scripted for " + url)
	}
	return json.Unmarshal(data, out)
}

func (f *fakeRequester) GetJSONWith(ctx context.Context, url string, params, cookies map[string]string, out any) error {
	f.lastParams[url] = params
	return f.GetJSON(ctx, url, out)
}

func (f *fakeRequester) GetCookie(ctx context.Context, url, cookieName string) (string, error) {
	f.calls = append(f.calls, url+"#"+cookieName)
	v, ok := f.cookies[cookieName]
	if !ok {
		return "", errors.New("fakeRequester: no cookie scripted for " + cookieName)
	}
	return v, nil
}

func TestConfigBuilderBuildRequiresAllFiveFields(t *testing.T) {
	_, err := New(newFakeRequester()).Build()
	require.Error(t, err)
	assert.ErrorIs(t, err, bililive.ErrBuild)
}

func TestConfigBuilderBuildSucceedsWhenAllFieldsSet(t *testing.T) {
	cfg, err := New(newFakeRequester()).
		RoomID(123).
		UID(456).
		Token("tok").
		Buvid("buv").
		Servers([]string{"wss://example.invalid/sub"}).
		Build()
	require.NoError(t, err)
	assert.Equal(t, int64(123), cfg.RoomID())
	assert.Equal(t, int64(456), cfg.UID())
	assert.Equal(t, "tok", cfg.Token())
	assert.Equal(t, "buv", cfg.Buvid())
	assert.Equal(t, []string{"wss://example.invalid/sub"}, cfg.Servers())
}

func TestConfigBuilderByUIDResolvesRoomID(t *testing.T) {
	req := newFakeRequester()
	req.json["https://api.live.bilibili.com/bili/living_v2/789"] = []byte(
		`{"code":0,"data":{"url":"https://live.bilibili.com/12345"}}`,
	)

	b, err := New(req).ByUID(context.Background(), 789)
	require.NoError(t, err)

	cfg, err := b.Token("tok").Buvid("buv").Servers([]string{"wss://example.invalid/sub"}).Build()
	require.NoError(t, err)
	assert.Equal(t, int64(12345), cfg.RoomID())
	assert.Equal(t, int64(789), cfg.UID())
}

func TestConfigBuilderByUIDRejectsWrongHost(t *testing.T) {
	req := newFakeRequester()
	req.json["https://api.live.bilibili.com/bili/living_v2/789"] = []byte(
		`{"code":0,"data":{"url":"https://evil.example.com/12345"}}`,
	)

	_, err := New(req).ByUID(context.Background(), 789)
	require.Error(t, err)
	assert.ErrorIs(t, err, bililive.ErrBuild)
}

func TestConfigBuilderByUIDPropagatesNonZeroCode(t *testing.T) {
	req := newFakeRequester()
	req.json["https://api.live.bilibili.com/bili/living_v2/789"] = []byte(`{"code":-400,"data":{"url":""}}`)

	_, err := New(req).ByUID(context.Background(), 789)
	require.Error(t, err)
	assert.ErrorIs(t, err, bililive.ErrBuild)
}

func TestConfigBuilderFetchConfRequiresRoomIDFirst(t *testing.T) {
	_, err := New(newFakeRequester()).FetchConf(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, bililive.ErrBuild)
}

func TestConfigBuilderFetchConfPopulatesTokenServersAndBuvid(t *testing.T) {
	req := newFakeRequester()
	req.json["https://api.live.bilibili.com/xlive/web-room/v1/index/getDanmuInfo"] = []byte(`{
		"code": 0,
		"data": {
			"token": "subtoken",
			"host_list": [
				{"host": "broadcastlv.chat.bilibili.com", "wss_port": 443},
				{"host": "zj-cn-live-comet-04.chat.bilibili.com", "wss_port": 443}
			]
		}
	}`)
	req.cookies["buvid3"] = "buvid-value"

	cfg, err := New(req).RoomID(123).UID(0).FetchConf(context.Background())
	require.NoError(t, err)

	built, err := cfg.Build()
	require.NoError(t, err)
	assert.Equal(t, "subtoken", built.Token())
	assert.Equal(t, "buvid-value", built.Buvid())
	assert.Equal(t, []string{
		"wss://broadcastlv.chat.bilibili.com:443/sub",
		"wss://zj-cn-live-comet-04.chat.bilibili.com:443/sub",
	}, built.Servers())
	assert.Equal(t, int64(0), built.UID())
}

func TestConfigBuilderFetchConfFallsBackToDefaultServerWhenHostListEmpty(t *testing.T) {
	req := newFakeRequester()
	req.json["https://api.live.bilibili.com/xlive/web-room/v1/index/getDanmuInfo"] = []byte(
		`{"code":0,"data":{"token":"t","host_list":[]}}`,
	)
	req.cookies["buvid3"] = "buv"

	cfg, err := New(req).RoomID(123).FetchConf(context.Background())
	require.NoError(t, err)
	built, err := cfg.Build()
	require.NoError(t, err)
	assert.Equal(t, []string{"wss://broadcastlv.chat.bilibili.com:443/sub"}, built.Servers())
}

func TestConfigBuilderFetchConfResolvesAuthenticatedUIDViaSessToken(t *testing.T) {
	req := newFakeRequester()
	req.json["https://api.live.bilibili.com/xlive/web-room/v1/index/getDanmuInfo"] = []byte(
		`{"code":0,"data":{"token":"t","host_list":[]}}`,
	)
	req.json["https://api.bilibili.com/x/web-interface/nav"] = []byte(
		`{"code":0,"data":{"mid":999}}`,
	)
	req.cookies["buvid3"] = "buv"

	cfg, err := New(req).RoomID(123).SessToken("sess").FetchConf(context.Background())
	require.NoError(t, err)
	built, err := cfg.Build()
	require.NoError(t, err)
	assert.Equal(t, int64(999), built.UID())

	navParams := req.lastParams["https://api.bilibili.com/x/web-interface/nav"]
	assert.Nil(t, navParams, "nav request must be unsigned when WithWBISigning is not set")
}

func TestConfigBuilderFetchConfWithWBISigningSignsNavRequest(t *testing.T) {
	req := newFakeRequester()
	req.json["https://api.live.bilibili.com/xlive/web-room/v1/index/getDanmuInfo"] = []byte(
		`{"code":0,"data":{"token":"t","host_list":[]}}`,
	)
	req.json["https://api.bilibili.com/x/web-interface/nav"] = []byte(`{
		"code": 0,
		"data": {
			"mid": 555,
			"wbi_img": {
				"img_url": "https://i0.hdslb.com/bfs/wbi/7cd084941338484aae1ad9425b84077c.png",
				"sub_url": "https://i0.hdslb.com/bfs/wbi/4932caff0ff746eab6f01bf08b70ac45.png"
			}
		}
	}`)
	req.cookies["buvid3"] = "buv"

	cfg, err := New(req).RoomID(123).SessToken("sess").WithWBISigning().FetchConf(context.Background())
	require.NoError(t, err)
	built, err := cfg.Build()
	require.NoError(t, err)
	assert.Equal(t, int64(555), built.UID())

	navParams := req.lastParams["https://api.bilibili.com/x/web-interface/nav"]
	require.NotNil(t, navParams)
	assert.Contains(t, navParams, "wts")
	assert.Contains(t, navParams, "w_rid")
	assert.NotEmpty(t, navParams["w_rid"])
}

func TestConfigBuilderFetchConfPropagatesNonZeroCode(t *testing.T) {
	req := newFakeRequester()
	req.json["https://api.live.bilibili.com/xlive/web-room/v1/index/getDanmuInfo"] = []byte(
		`{"code":-101,"data":{}}`,
	)

	_, err := New(req).RoomID(123).FetchConf(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, bililive.ErrBuild)
}

func TestParseRoomIDFromURL(t *testing.T) {
	id, err := parseRoomIDFromURL("https://live.bilibili.com/12345")
	require.NoError(t, err)
	assert.Equal(t, int64(12345), id)

	_, err = parseRoomIDFromURL("https://live.bilibili.com/not-a-number")
	assert.Error(t, err)

	_, err = parseRoomIDFromURL("https://not-live.example.com/12345")
	assert.Error(t, err)
}
