// Package builder is the HTTP-based config builder that discovers a
// room's danmaku server list and subscription token before the core
// streaming package opens a WebSocket. It is deliberately kept out of
// the core bililive package so that package makes no HTTP requests of
// its own.
package builder

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/bililive-go/bililive"
)

// Requester is the abstract HTTP client ConfigBuilder depends on: a
// polymorphic collaborator over the capabilities {get_json,
// get_json_with(params, cookies), get_cookie}. Implementations may swap
// HTTP clients freely; HTTPRequester (http.go) is the default,
// net/http-based implementation.
type Requester interface {
	// GetJSON performs a GET request and unmarshals the JSON response
	// body into out.
	GetJSON(ctx context.Context, url string, out any) error
	// GetJSONWith performs a GET request with query parameters and cookies,
	// unmarshaling the JSON response body into out.
	GetJSONWith(ctx context.Context, url string, params, cookies map[string]string, out any) error
	// GetCookie performs a GET request and returns the named cookie from
	// the response.
	GetCookie(ctx context.Context, url, cookieName string) (string, error)
}

// ConfigBuilder accumulates {room_id, uid, token, buvid, servers} and, once
// all five are set, produces a bililive.SessionConfig via Build.
//
// The original Rust crate enforces "all five fields set" at compile time
// via phantom-typed builder states; Go has no ergonomic equivalent, so
// this is a plain mutable builder that enforces the same invariant at
// Build time instead, returning an error if anything is missing rather
// than failing to compile.
type ConfigBuilder struct {
	http Requester

	roomID    int64
	haveRoom  bool
	uid       int64
	haveUID   bool
	token     string
	haveToken bool
	buvid     string
	haveBuvid bool
	servers   []string

	sessToken  string
	wbiSigning bool
}

// New constructs a builder backed by the given Requester.
func New(requester Requester) *ConfigBuilder {
	return &ConfigBuilder{http: requester}
}

// RoomID sets the room id directly, without resolving it from a uid.
func (b *ConfigBuilder) RoomID(roomID int64) *ConfigBuilder {
	b.roomID = roomID
	b.haveRoom = true
	return b
}

// UID sets the uid directly.
func (b *ConfigBuilder) UID(uid int64) *ConfigBuilder {
	b.uid = uid
	b.haveUID = true
	return b
}

// Token sets the danmaku subscription token directly, without fetching it
// via FetchConf.
func (b *ConfigBuilder) Token(token string) *ConfigBuilder {
	b.token = token
	b.haveToken = true
	return b
}

// Buvid sets the browser identifier directly.
func (b *ConfigBuilder) Buvid(buvid string) *ConfigBuilder {
	b.buvid = buvid
	b.haveBuvid = true
	return b
}

// Servers sets the candidate WebSocket server list directly.
func (b *ConfigBuilder) Servers(servers []string) *ConfigBuilder {
	b.servers = append([]string(nil), servers...)
	return b
}

// SessToken sets the SESSDATA session cookie used by FetchConf to
// make authenticated requests (richer danmaku data, resolved uid instead
// of the default 0).
func (b *ConfigBuilder) SessToken(sessToken string) *ConfigBuilder {
	b.sessToken = sessToken
	return b
}

// WithWBISigning makes FetchConf wbi-sign the authenticated nav lookup it
// performs to resolve uid from SessToken. Off by default: the danmaku
// endpoints FetchConf otherwise uses don't require it, and some Bilibili
// API generations accept an unsigned nav request too.
func (b *ConfigBuilder) WithWBISigning() *ConfigBuilder {
	b.wbiSigning = true
	return b
}

// livingV2Resp mirrors the response of GET
// https://api.live.bilibili.com/bili/living_v2/{uid}.
type livingV2Resp struct {
	Code int `json:"code"`
	Data struct {
		URL string `json:"url"`
	} `json:"data"`
}

// danmuInfoResp mirrors the response of GET .../getDanmuInfo.
type danmuInfoResp struct {
	Code int `json:"code"`
	Data struct {
		Token    string `json:"token"`
		HostList []struct {
			Host    string `json:"host"`
			WSSPort int    `json:"wss_port"`
		} `json:"host_list"`
	} `json:"data"`
}

// navResp mirrors the response of GET
// https://api.bilibili.com/x/web-interface/nav, used to resolve the
// authenticated uid when a session token is given.
type navResp struct {
	Code int `json:"code"`
	Data struct {
		Mid int64 `json:"mid"`
	} `json:"data"`
}

// ByUID fills room_id and uid by resolving a uid's live room via
// `GET .../bili/living_v2/{uid}`. The response's data.url
// must be on host live.bilibili.com; its trailing path segment, parsed as
// an integer, is the room id.
func (b *ConfigBuilder) ByUID(ctx context.Context, uid int64) (*ConfigBuilder, error) {
	url := fmt.Sprintf("https://api.live.bilibili.com/bili/living_v2/%d", uid)

	var resp livingV2Resp
	if err := b.http.GetJSON(ctx, url, &resp); err != nil {
		return nil, fmt.Errorf("%w: living_v2 request: %v", bililive.ErrBuild, err)
	}
	if resp.Code != 0 {
		return nil, fmt.Errorf("%w: living_v2 code %d", bililive.ErrBuild, resp.Code)
	}

	roomID, err := parseRoomIDFromURL(resp.Data.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bililive.ErrBuild, err)
	}

	b.roomID = roomID
	b.haveRoom = true
	b.uid = uid
	b.haveUID = true
	return b, nil
}

// FetchConf fetches the danmaku server token and list, plus the buvid3
// cookie, and (if a session token was given via SessToken) the
// authenticated uid. It always sets uid: to the authenticated uid with a
// session token, to 0 without one, replacing any uid set earlier by UID
// or ByUID.
func (b *ConfigBuilder) FetchConf(ctx context.Context) (*ConfigBuilder, error) {
	if !b.haveRoom {
		return nil, fmt.Errorf("%w: FetchConf requires RoomID/ByUID to be set first", bililive.ErrBuild)
	}

	cookies := map[string]string{}
	if b.sessToken != "" {
		cookies["SESSDATA"] = b.sessToken
	}

	var conf danmuInfoResp
	err := b.http.GetJSONWith(
		ctx,
		"https://api.live.bilibili.com/xlive/web-room/v1/index/getDanmuInfo",
		map[string]string{"id": fmt.Sprintf("%d", b.roomID), "type": "0"},
		cookies,
		&conf,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: getDanmuInfo request: %v", bililive.ErrBuild, err)
	}
	if conf.Code != 0 {
		return nil, fmt.Errorf("%w: getDanmuInfo code %d", bililive.ErrBuild, conf.Code)
	}

	buvid, err := b.http.GetCookie(ctx, "https://www.bilibili.com/", "buvid3")
	if err != nil {
		return nil, fmt.Errorf("%w: buvid3 cookie: %v", bililive.ErrBuild, err)
	}

	if b.sessToken != "" {
		var navParams map[string]string
		if b.wbiSigning {
			imgKey, subKey, err := GetWBIKeys(ctx, b.http, b.sessToken)
			if err != nil {
				return nil, fmt.Errorf("%w: wbi keys: %v", bililive.ErrBuild, err)
			}
			navParams = SignWBIParams(map[string]string{}, MixinKey(imgKey, subKey))
		}

		var nav navResp
		err := b.http.GetJSONWith(
			ctx,
			"https://api.bilibili.com/x/web-interface/nav",
			navParams,
			map[string]string{"SESSDATA": b.sessToken},
			&nav,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: nav request: %v", bililive.ErrBuild, err)
		}
		b.uid = nav.Data.Mid
	} else {
		b.uid = 0
	}
	b.haveUID = true

	b.buvid = buvid
	b.haveBuvid = true
	b.token = conf.Data.Token
	b.haveToken = true

	servers := make([]string, 0, len(conf.Data.HostList))
	for _, h := range conf.Data.HostList {
		servers = append(servers, fmt.Sprintf("wss://%s:%d/sub", h.Host, h.WSSPort))
	}
	if len(servers) == 0 {
		servers = []string{"wss://broadcastlv.chat.bilibili.com:443/sub"}
	}
	b.servers = servers

	return b, nil
}

// Build consumes the builder and returns a SessionConfig, failing if any
// of the five required fields is unset.
func (b *ConfigBuilder) Build() (*bililive.SessionConfig, error) {
	var missing []string
	if !b.haveRoom {
		missing = append(missing, "room_id")
	}
	if !b.haveUID {
		missing = append(missing, "uid")
	}
	if !b.haveToken {
		missing = append(missing, "token")
	}
	if !b.haveBuvid {
		missing = append(missing, "buvid")
	}
	if len(b.servers) == 0 {
		missing = append(missing, "servers")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing fields: %v", bililive.ErrBuild, missing)
	}

	return bililive.NewSessionConfig(b.roomID, b.uid, b.token, b.buvid, b.servers)
}

// parseRoomIDFromURL extracts the room id from a living_v2 response's
// data.url, which looks like "https://live.bilibili.com/<room_id>"; the
// host must be live.bilibili.com or parsing fails.
func parseRoomIDFromURL(rawURL string) (int64, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, fmt.Errorf("parse living_v2 url %q: %w", rawURL, err)
	}
	if u.Host != "live.bilibili.com" {
		return 0, fmt.Errorf("living_v2 url %q has unexpected host %q, want live.bilibili.com", rawURL, u.Host)
	}
	seg := strings.Trim(path.Base(u.Path), "/")
	roomID, err := strconv.ParseInt(seg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("living_v2 url %q: room id segment %q is not an integer: %w", rawURL, seg, err)
	}
	return roomID, nil
}
