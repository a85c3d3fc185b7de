package geometry

import (
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"ctsim/pkg/acquisition"
	"ctsim/pkg/linalg"
	"ctsim/pkg/simerr"
	"ctsim/pkg/system"
)

func flatPanelSystem() *system.CTSystem {
	return system.New("flat",
		system.NewFlatPanelDetector(50, 40, 1, 1.2),
		system.NewTubularGantry(1200, 600),
		system.NewXrayTube(80, 1))
}

func helicalSetup(t *testing.T, sys *system.CTSystem, views int) *acquisition.Setup {
	t.Helper()
	setup := acquisition.NewSetup(sys, views)
	require.NoError(t, setup.ApplyPreparationProtocol(acquisition.HelicalTrajectory{
		AngleIncrement: system.DegToRad(37),
		PitchIncrement: 3,
	}))
	return setup
}

func TestEncodeCentralRay(t *testing.T) {
	view, err := EncodeSingleViewGeometry(flatPanelSystem())
	require.NoError(t, err)
	require.Len(t, view, 1)

	// isocenter lands on the detector centre
	u, v, ok := view[0].Project(r3.Vec{})
	require.True(t, ok)
	assert.InDelta(t, 24.5, u, 1e-9)
	assert.InDelta(t, 19.5, v, 1e-9)

	src, err := view[0].SourcePosition()
	require.NoError(t, err)
	assert.InDelta(t, -600, src.Y, 1e-9)

	dir := view[0].PrincipalRayDirection()
	assert.InDelta(t, 1, dir.Y, 1e-12)

	// a point 1 mm along +x at the isocenter is magnified by 2
	u, _, _ = view[0].Project(r3.Vec{X: 1})
	assert.InDelta(t, 26.5, u, 1e-9)
}

func TestNormalizationInvariant(t *testing.T) {
	setup := helicalSetup(t, flatPanelSystem(), 6)
	full, err := EncodeFullGeometry(setup)
	require.NoError(t, err)
	require.Equal(t, 6, full.NbViews())

	for _, view := range full {
		for _, p := range view {
			m := p.M()
			assert.InDelta(t, 1, r3.Norm(m.Row(2)), 1e-12)
			assert.Greater(t, m.Det(), 0.0)

			scaled, err := p.Scale(-3.5).Normalized()
			require.NoError(t, err)
			assert.True(t, p.Equal(scaled, 1e-12))
		}
	}

	_, err = ProjectionMatrix{}.Normalized()
	assert.True(t, errors.Is(err, simerr.ErrNumerical))
}

func TestDecodeRoundTrip(t *testing.T) {
	sys := system.New("cyl",
		system.NewCylindricalDetector(6, 16, 8, 1.1, 1.1, system.DegToRad(1.2), 0.4),
		system.NewTubularGantry(1000, 570),
		system.NewXrayTube(120, 1))
	sys.Gantry.(*system.TubularGantry).Tilt = 0.1
	sys.Source.Base().FocalSpotPosition = r3.Vec{X: 0.3, Y: -0.2}
	setup := helicalSetup(t, sys, 4)

	full, err := EncodeFullGeometry(setup)
	require.NoError(t, err)

	pixel := PixelSize{Width: 1.1, Height: 1.1}
	count := PixelCount{Cols: 16, Rows: 8}
	for v, view := range full {
		decodedSys, err := DecodeSystem(view, pixel, count)
		require.NoError(t, err)
		require.True(t, decodedSys.IsValid())

		reencoded, err := EncodeSingleViewGeometry(decodedSys)
		require.NoError(t, err)
		require.Len(t, reencoded, len(view))
		for m := range view {
			assert.True(t, view[m].Equal(reencoded[m], 1e-9), "view %d module %d", v, m)
		}
	}
}

func TestDecodeRecoversPose(t *testing.T) {
	sys := flatPanelSystem()
	view, err := EncodeSingleViewGeometry(sys)
	require.NoError(t, err)

	d, err := Decode(view[0], PixelSize{Width: 1, Height: 1.2}, PixelCount{Cols: 50, Rows: 40})
	require.NoError(t, err)
	assert.InDelta(t, 1200, d.FocalLength, 1e-9)
	assert.InDelta(t, 0, d.Skew, 1e-12)
	assert.True(t, linalg.IsRotation(d.R, 1e-12))

	want := sys.Gantry.DetectorLocation()
	opt := cmpopts.EquateApprox(0, 1e-9)
	assert.Empty(t, cmp.Diff(want.Position, d.Module.Position, opt))
	assert.Empty(t, cmp.Diff(want.Rot(), d.Module.Rot(), opt))

	_, err = Decode(view[0], PixelSize{}, PixelCount{Cols: 50, Rows: 40})
	assert.Error(t, err)
}

func TestGeometryProtocolReproducesMatrices(t *testing.T) {
	full, err := EncodeFullGeometry(helicalSetup(t, flatPanelSystem(), 5))
	require.NoError(t, err)

	pixel := PixelSize{Width: 1, Height: 1.2}
	count := PixelCount{Cols: 50, Rows: 40}
	protocol, err := NewGeometryProtocol(full, pixel, count)
	require.NoError(t, err)
	assert.Equal(t, 5, protocol.NbViews())

	base, err := DecodeSystem(full[0], pixel, count)
	require.NoError(t, err)
	setup := acquisition.NewSetup(base, protocol.NbViews())
	require.NoError(t, setup.ApplyPreparationProtocol(protocol))
	require.True(t, setup.IsValid())

	replayed, err := EncodeFullGeometry(setup)
	require.NoError(t, err)
	for v := range full {
		assert.True(t, full[v][0].Equal(replayed[v][0], 1e-9), "view %d", v)
	}

	assert.False(t, protocol.IsApplicableTo(flatPanelSystem()))
}

func TestEncodeRejectsSourceBehindDetector(t *testing.T) {
	sys := system.New("bad",
		system.NewFlatPanelDetector(10, 10, 1, 1),
		system.NewGenericGantry(
			system.Location{Position: r3.Vec{Z: 10}},
			system.Location{Rotation: linalg.Identity3()}),
		system.NewXrayTube(80, 1))
	_, err := EncodeSingleViewGeometry(sys)
	assert.True(t, errors.Is(err, simerr.ErrConfiguration))
}

func TestSaveLoadFullGeometry(t *testing.T) {
	full, err := EncodeFullGeometry(helicalSetup(t, flatPanelSystem(), 3))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "out", "geometry.yaml")
	require.NoError(t, SaveFullGeometry(path, full))
	loaded, err := LoadFullGeometry(path)
	require.NoError(t, err)
	require.Equal(t, full.NbViews(), loaded.NbViews())
	for v := range full {
		assert.True(t, full[v][0].Equal(loaded[v][0], 1e-12))
	}

	_, err = LoadFullGeometry(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
	_, err = UnmarshalFullGeometry([]byte("views: [[1, 2]]"))
	assert.Error(t, err)
}

func TestDecomposeReturnsIntrinsics(t *testing.T) {
	k := linalg.Matrix3{{1000, 0.5, 20}, {0, 900, 30}, {0, 0, 1}}
	r := linalg.RotationAxisAngle(r3.Vec{X: 1, Y: 2, Z: 3}, 0.8)
	src := r3.Vec{X: 5, Y: -600, Z: 12}
	p := FromKRS(k, r, src).Scale(7)

	gotK, gotR, gotSrc, err := p.Decompose()
	require.NoError(t, err)
	assert.True(t, gotK.EqualApprox(k, 1e-9*math.Max(1, k.MaxAbs())))
	assert.True(t, gotR.EqualApprox(r, 1e-9))
	assert.InDelta(t, src.Y, gotSrc.Y, 1e-6)
}
