// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package ingest

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type socRecorder struct {
	got []float64
}

func (r *socRecorder) SetSOC(soc float64) { r.got = append(r.got, soc) }

type sinkRecorder struct {
	devices  []string
	payloads []string
	full     bool
}

func (s *sinkRecorder) EnqueueReadings(device string, payload []byte) bool {
	if s.full {
		return false
	}
	s.devices = append(s.devices, device)
	s.payloads = append(s.payloads, string(payload))
	return true
}

func TestLatest(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    float64
		wantErr bool
	}{
		{
			name:    "PicksGreatestTimestamp",
			payload: `{"readings":[{"timestamp":30,"powerDeliveredkW":1,"stateOfCharge":61},{"timestamp":10,"powerDeliveredkW":1,"stateOfCharge":55}]}`,
			want:    61,
		},
		{
			name:    "AnyArrayName",
			payload: `{"site":"x","a":[{"timestamp":5,"stateOfCharge":40}],"b":[{"timestamp":7,"stateOfCharge":42.5}]}`,
			want:    42.5,
		},
		{
			name:    "SkipsNonSampleArrays",
			payload: `{"tags":["x","y"],"readings":[{"timestamp":1,"stateOfCharge":12}]}`,
			want:    12,
		},
		{
			name:    "TieWithinArrayTakesLater",
			payload: `{"readings":[{"timestamp":9,"stateOfCharge":20},{"timestamp":9,"stateOfCharge":21}]}`,
			want:    21,
		},
		{
			name:    "TieAcrossArraysTakesLastKey",
			payload: `{"zeta":[{"timestamp":9,"stateOfCharge":70}],"alpha":[{"timestamp":9,"stateOfCharge":30}]}`,
			want:    70,
		},
		{name: "BadJSON", payload: `{"readings":[`, wantErr: true},
		{name: "NotAnObject", payload: `[{"timestamp":1,"stateOfCharge":12}]`, wantErr: true},
		{name: "NoSamples", payload: `{"readings":[]}`, wantErr: true},
		{name: "NoSOC", payload: `{"readings":[{"timestamp":1,"powerDeliveredkW":3}]}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Latest([]byte(tt.payload))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, *got.StateOfCharge)
		})
	}
}

func TestLatest_TieIsStable(t *testing.T) {
	payload := []byte(`{"b":[{"timestamp":4,"stateOfCharge":2}],"c":[{"timestamp":4,"stateOfCharge":3}],"a":[{"timestamp":4,"stateOfCharge":1}]}`)
	for i := 0; i < 50; i++ {
		got, err := Latest(payload)
		require.NoError(t, err)
		require.Equal(t, float64(3), *got.StateOfCharge, "run %d", i)
	}
}

func TestLatest_NoSamplesError(t *testing.T) {
	_, err := Latest([]byte(`{"readings":[]}`))
	assert.True(t, errors.Is(err, ErrNoSamples))
}

func TestServer_ServeHTTP(t *testing.T) {
	sink := &sinkRecorder{}
	s := NewServer(":0", sink)
	first, second := &socRecorder{}, &socRecorder{}
	s.AddDevice("relay-1", first)
	s.AddDevice("relay-2", second)

	body := `{"readings":[{"timestamp":1,"powerDeliveredkW":5,"stateOfCharge":77}]}`

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"PutDefault", http.MethodPut, "/", body, http.StatusNoContent},
		{"PostNamed", http.MethodPost, "/relay-2", body, http.StatusNoContent},
		{"Get", http.MethodGet, "/", "", http.StatusMethodNotAllowed},
		{"Delete", http.MethodDelete, "/", "", http.StatusMethodNotAllowed},
		{"BadJSON", http.MethodPut, "/", "{", http.StatusBadRequest},
		{"NoSamples", http.MethodPut, "/", `{"readings":[]}`, http.StatusBadRequest},
		{"UnknownDevice", http.MethodPut, "/nope", body, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			s.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}

	assert.Equal(t, []float64{77}, first.got)
	assert.Equal(t, []float64{77}, second.got)
	assert.Equal(t, []string{"relay-1", "relay-2"}, sink.devices)
	assert.Equal(t, []string{body, body}, sink.payloads, "raw payload is relayed unchanged")
}

func TestServer_FullSinkStillAccepts(t *testing.T) {
	s := NewServer(":0", &sinkRecorder{full: true})
	dev := &socRecorder{}
	s.AddDevice("relay-1", dev)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"r":[{"timestamp":1,"stateOfCharge":3}]}`)))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []float64{3}, dev.got)
}

func TestServer_ServeShutsDownOnCancel(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := NewServer(l.Addr().String(), nil)
	dev := &socRecorder{}
	s.AddDevice("relay-1", dev)

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)
	go func() { errChan <- s.Serve(ctx, l) }()

	req, _ := http.NewRequest(http.MethodPut, "http://"+l.Addr().String()+"/", strings.NewReader(`{"r":[{"timestamp":1,"stateOfCharge":9}]}`))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	cancel()
	select {
	case err := <-errChan:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ingestion server did not stop")
	}
}
