package finescale

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/scalebridge/bridge"
	"github.com/notargets/scalebridge/history"
	"github.com/notargets/scalebridge/material"
	"github.com/notargets/scalebridge/tensor"
)

func table() material.Table {
	return material.Table{
		{Name: "a", Stiffness: tensor.Isotropic(2, 3)},
		{Name: "b", Stiffness: tensor.Isotropic(7, 0.5)},
	}
}

func requests() []history.UpdateRequest {
	return []history.UpdateRequest{
		{ID: 0, MaterialID: 0, UpdateStrain: tensor.Sym2{1.e-3, 0, 0, 0, 0, 0}},
		{ID: 9, MaterialID: 1, UpdateStrain: tensor.Sym2{0, 0, 0, 1.e-3, 0, 1. / 3}},
		{ID: 4, MaterialID: 1},
	}
}

func TestElasticAccumulates(t *testing.T) {
	e := NewElastic(table())
	ctx := context.Background()
	reqs := requests()

	res, err := e.Update(ctx, bridge.StepInfo{}, reqs)
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.InDeltaSlicef(t, []float64{8.e-3, 2.e-3, 2.e-3, 0, 0, 0}, res[0].Stress[:], 1.e-15, "")
	assert.True(t, res[2].Stress.IsZero())

	res2, err := e.Update(ctx, bridge.StepInfo{}, reqs)
	require.NoError(t, err)
	assert.Equal(t, res[1].Stress.Add(res[1].Stress), res2[1].Stress)

	e.Seed(4, tensor.Sym2{1, 1, 1, 0, 0, 0})
	res3, err := e.Update(ctx, bridge.StepInfo{}, reqs[2:])
	require.NoError(t, err)
	assert.Equal(t, tensor.Sym2{1, 1, 1, 0, 0, 0}, res3[0].Stress)
}

func TestElasticReverseAndBadMaterial(t *testing.T) {
	e := NewElastic(table())
	e.Reverse = true
	res, err := e.Update(context.Background(), bridge.StepInfo{}, requests())
	require.NoError(t, err)
	assert.Equal(t, []uint64{4, 9, 0}, []uint64{res[0].ID, res[1].ID, res[2].ID})

	_, err = e.Update(context.Background(), bridge.StepInfo{}, []history.UpdateRequest{{ID: 1, MaterialID: 5}})
	assert.Error(t, err)
}

func TestHTTPRoundTripIsExact(t *testing.T) {
	srv := httptest.NewServer(NewRouter(NewElastic(table()), nil))
	defer srv.Close()

	client := NewClient(srv.URL+"/", 5*time.Second)
	ctx := context.Background()
	got, err := client.Update(ctx, bridge.StepInfo{RunID: "r", Step: 3}, requests())
	require.NoError(t, err)

	want, err := NewElastic(table()).Update(ctx, bridge.StepInfo{}, requests())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(NewRouter(NewElastic(table()), nil))
	defer srv.Close()
	client := NewClient(srv.URL, 5*time.Second)

	_, err := client.Update(context.Background(), bridge.StepInfo{},
		[]history.UpdateRequest{{ID: 1, MaterialID: 9}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")

	resp, err := http.Post(srv.URL+UpdatePath, "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
