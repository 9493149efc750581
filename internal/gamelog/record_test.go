package gamelog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRecord(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Record
	}{
		{
			name: "player joined",
			in:   `{"type":"player-joined","dt":"2024-03-01T20:00:00Z","displayName":"Alice","userId":"usr_a"}`,
			want: PlayerJoined{Header: Header{At: t0}, DisplayName: "Alice", UserID: "usr_a"},
		},
		{
			name: "location",
			in:   `{"type":"location","dt":"2024-03-01T20:00:00Z","location":"wrld_1:1","worldName":"World"}`,
			want: Location{Header: Header{At: t0}, Location: "wrld_1:1", WorldName: "World"},
		},
		{
			name: "provider video",
			in:   `{"type":"video-play-pypydance","dt":"2024-03-01T20:00:00Z","data":"\"u\",0,1,\"t (r)\""}`,
			want: ProviderVideo{Header: Header{At: t0}, Provider: KindVideoPyPyDance, Data: `"u",0,1,"t (r)"`},
		},
		{
			name: "video sync",
			in:   `{"type":"video-sync","dt":"2024-03-01T20:00:00Z","timestamp":12.5}`,
			want: VideoSync{Header: Header{At: t0}, Offset: 12.5},
		},
		{
			name: "photon id",
			in:   `{"type":"photon-id","dt":"2024-03-01T20:00:00Z","displayName":"A","photonId":9}`,
			want: PhotonID{Header: Header{At: t0}, DisplayName: "A", PhotonID: 9},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeRecord([]byte(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want.Kind(), got.Kind())
		})
	}
}

func TestDecodeRecord_Malformed(t *testing.T) {
	for _, in := range []string{
		`{`,
		`{"type":"teleport","dt":"2024-03-01T20:00:00Z"}`,
		`{"type":"player-joined"}`,
		`{"type":"photon-id","dt":"2024-03-01T20:00:00Z","photonId":"x"}`,
	} {
		_, err := DecodeRecord([]byte(in))
		assert.ErrorIs(t, err, ErrMalformed, in)
	}
}

func TestParseProviderVideo(t *testing.T) {
	v, err := ParseProviderVideo(KindVideoPyPyDance, `"https://v/1",12.5,200,"Some Song (Dancer A)"`, t0)
	require.NoError(t, err)
	assert.Equal(t, VideoPlayback{
		URL: "https://v/1", Name: "Some Song", Requester: "Dancer A",
		Offset: 12500 * time.Millisecond, Length: 200 * time.Second, StartedAt: t0,
	}, v)

	v, err = ParseProviderVideo(KindVideoVRDancing, `"https://v/2",0,95,1234,"Bob","Title, with comma"`, t0)
	require.NoError(t, err)
	assert.Equal(t, "1234", v.VideoID)
	assert.Equal(t, "Bob", v.Requester)
	assert.Equal(t, "Title, with comma", v.Name)

	v, err = ParseProviderVideo(KindVideoPyPyDance, `"https://v/3",0,10,"No requester"`, t0)
	require.NoError(t, err)
	assert.Equal(t, "No requester", v.Name)
	assert.Empty(t, v.Requester)

	for _, bad := range []struct {
		kind Kind
		data string
	}{
		{KindVideoPyPyDance, `"https://v/1",x,200,"t (r)"`},
		{KindVideoPyPyDance, `"https://v/1",0,200`},
		{KindVideoZuwaZuwa, `"https://v/1",0,200,"t (r)"`},
		{KindVideoVRDancing, `"",0,1,2,"a","b"`},
		{KindVideoPyPyDance, `"https://v/1",-1,200,"t (r)"`},
		{KindVideoPlay, `"https://v/1",0,200,"t (r)"`},
		{KindVideoPyPyDance, `"https://v/1",NaN,120,"t (r)"`},
		{KindVideoPyPyDance, `"https://v/1",0,Inf,"t (r)"`},
		{KindVideoPyPyDance, `"https://v/1",0,-Inf,"t (r)"`},
		{KindVideoPyPyDance, `"https://v/1",0,1e300,"t (r)"`},
		{KindVideoVRDancing, `"https://v/1",1e300,10,1,"a","b"`},
	} {
		_, err := ParseProviderVideo(bad.kind, bad.data, t0)
		assert.ErrorIs(t, err, ErrMalformed, bad.data)
	}
}
