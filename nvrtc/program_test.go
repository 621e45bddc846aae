package nvrtc_test

import (
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/cudartc/nvrtc"
	"github.com/ollama/cudartc/nvrtc/nvrtctest"
)

const minimalKernel = `__global__ void k(){}`

func newCompiler(t *testing.T) (*nvrtc.Compiler, *nvrtctest.Library) {
	t.Helper()
	lib := nvrtctest.New()
	t.Cleanup(func() {
		assert.Zero(t, lib.Live(), "leaked native programs")
	})
	return nvrtc.NewWithLibrary(lib), lib
}

func TestVersion(t *testing.T) {
	c, lib := newCompiler(t)

	major, minor, err := c.Version()
	require.NoError(t, err)
	assert.Equal(t, 12, major)
	assert.Equal(t, 4, minor)

	lib.Fail("Version", nvrtc.ResultInternalError)
	_, _, err = c.Version()
	assert.ErrorIs(t, err, nvrtc.ErrInternalError)
	assert.Equal(t, "NVRTC_ERROR_INTERNAL_ERROR", err.Error())
}

func TestSupportedArchs(t *testing.T) {
	c, lib := newCompiler(t)
	lib.Archs = []int{75, 80, 90}

	archs, err := c.SupportedArchs()
	require.NoError(t, err)
	assert.Equal(t, []int{75, 80, 90}, archs)

	lib.Archs = nil
	archs, err = c.SupportedArchs()
	require.NoError(t, err)
	assert.Empty(t, archs)
	assert.Equal(t, 1, lib.Called("GetSupportedArchs"))
}

func TestCompileMinimalKernel(t *testing.T) {
	c, _ := newCompiler(t)

	prog, err := c.NewProgram(minimalKernel, "", nil, nil)
	require.NoError(t, err)
	defer prog.Destroy()

	assert.Equal(t, nvrtc.DefaultProgramName, prog.Name())
	assert.False(t, prog.Compiled())

	require.NoError(t, prog.Compile())
	assert.True(t, prog.Compiled())

	log, err := prog.Log()
	require.NoError(t, err)
	assert.Empty(t, log)

	ptx, err := prog.PTX()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ptx, "//"), "ptx should start with a header comment")
	assert.NotContains(t, ptx, "\x00")

	size, err := prog.PTXSize()
	require.NoError(t, err)
	assert.Equal(t, size-1, len(ptx))
}

func TestCompileCUBINSizeMatches(t *testing.T) {
	c, _ := newCompiler(t)

	prog, err := c.NewProgram(minimalKernel, "k.cu", nil, nil)
	require.NoError(t, err)
	defer prog.Destroy()

	require.NoError(t, prog.Compile("-arch=sm_80"))

	cubin, err := prog.CUBIN()
	require.NoError(t, err)
	require.NotEmpty(t, cubin)

	size, err := prog.CUBINSize()
	require.NoError(t, err)
	assert.Len(t, cubin, size)
}

func TestCompileVirtualArchHasEmptyCUBIN(t *testing.T) {
	c, _ := newCompiler(t)

	prog, err := c.NewProgram(minimalKernel, "k.cu", nil, nil)
	require.NoError(t, err)
	defer prog.Destroy()

	require.NoError(t, prog.Compile("--gpu-architecture=compute_80"))

	cubin, err := prog.CUBIN()
	require.NoError(t, err)
	assert.Empty(t, cubin)
}

func TestCompileFailure(t *testing.T) {
	c, _ := newCompiler(t)

	prog, err := c.NewProgram(`__global__ void broken( {`, "broken.cu", nil, nil)
	require.NoError(t, err)
	defer prog.Destroy()

	err = prog.Compile()
	require.ErrorIs(t, err, nvrtc.ErrCompilation)
	assert.True(t, prog.Compiled())

	log, err := prog.Log()
	require.NoError(t, err)
	assert.Contains(t, log, "error")
	assert.Contains(t, log, "broken.cu")

	_, err = prog.PTX()
	assert.ErrorIs(t, err, nvrtc.ErrInvalidProgram)

	_, err = prog.CUBIN()
	assert.ErrorIs(t, err, nvrtc.ErrInvalidProgram)
}

func TestArtifactsBeforeCompileAreRejectedByLibrary(t *testing.T) {
	c, lib := newCompiler(t)

	prog, err := c.NewProgram(minimalKernel, "k.cu", nil, nil)
	require.NoError(t, err)
	defer prog.Destroy()

	_, err = prog.PTX()
	assert.ErrorIs(t, err, nvrtc.ErrInvalidProgram)
	assert.Equal(t, 1, lib.Called("GetPTXSize"))

	log, err := prog.Log()
	require.NoError(t, err)
	assert.Empty(t, log)
}

func TestInvalidOption(t *testing.T) {
	c, _ := newCompiler(t)

	prog, err := c.NewProgram(minimalKernel, "k.cu", nil, nil)
	require.NoError(t, err)
	defer prog.Destroy()

	err = prog.Compile("lineinfo")
	assert.ErrorIs(t, err, nvrtc.ErrInvalidOption)
	assert.True(t, prog.Compiled())
}

func TestHeaders(t *testing.T) {
	c, _ := newCompiler(t)

	header := `__device__ void say_world() {}`
	src := "#include \"world.cuh\"\n__global__ void say_hello() { say_world(); }\n"

	prog, err := c.NewProgram(src, "/tmp/hello.cu", []string{header}, []string{"world.cuh"})
	require.NoError(t, err)
	defer prog.Destroy()

	require.NoError(t, prog.AddNameExpression("say_hello"))
	require.NoError(t, prog.Compile("-lineinfo"))

	ptx, err := prog.PTX()
	require.NoError(t, err)
	assert.NotEqual(t, byte(0), ptx[len(ptx)-1])

	name, err := prog.LoweredName("say_hello")
	require.NoError(t, err)
	assert.Equal(t, "_Z9say_hellov", name)
}

func TestHeadersPaired(t *testing.T) {
	c, _ := newCompiler(t)

	prog, err := c.NewProgramWithHeaders("#include \"a.h\"\n"+minimalKernel, "k.cu", []nvrtc.Header{
		{Name: "a.h", Source: "#define A 1\n"},
	})
	require.NoError(t, err)
	defer prog.Destroy()

	require.NoError(t, prog.Compile())
}

func TestMissingHeader(t *testing.T) {
	c, _ := newCompiler(t)

	prog, err := c.NewProgram("#include \"missing.h\"\n"+minimalKernel, "k.cu", nil, nil)
	require.NoError(t, err)
	defer prog.Destroy()

	require.ErrorIs(t, prog.Compile(), nvrtc.ErrCompilation)

	log, err := prog.Log()
	require.NoError(t, err)
	assert.Contains(t, log, `cannot open source file "missing.h"`)
}

func TestHeaderMismatchMakesNoNativeCall(t *testing.T) {
	c, lib := newCompiler(t)

	_, err := c.NewProgram(minimalKernel, "k.cu", []string{"a", "b"}, []string{"a.h"})
	require.ErrorIs(t, err, nvrtc.ErrHeaderMismatch)
	assert.Empty(t, lib.Calls())
}

func TestCreateFailure(t *testing.T) {
	c, lib := newCompiler(t)
	lib.Fail("CreateProgram", nvrtc.ResultProgramCreationFailure)

	prog, err := c.NewProgram(minimalKernel, "k.cu", nil, nil)
	assert.Nil(t, prog)
	assert.ErrorIs(t, err, nvrtc.ErrProgramCreationFailure)
	assert.Zero(t, lib.Called("DestroyProgram"))
}

func TestNameExpressions(t *testing.T) {
	c, lib := newCompiler(t)

	prog, err := c.NewProgram("__global__ void foo(){}\n__global__ void bar(){}\n", "names.cu", nil, nil)
	require.NoError(t, err)
	defer prog.Destroy()

	_, err = prog.LoweredName("foo")
	assert.ErrorIs(t, err, nvrtc.ErrNoLoweredNamesBeforeCompilation)
	assert.Zero(t, lib.Called("GetLoweredName"))

	require.NoError(t, prog.AddNameExpression("foo"))
	require.NoError(t, prog.AddNameExpression("&bar"))
	require.NoError(t, prog.AddNameExpression("foo"))
	assert.Equal(t, []string{"foo", "&bar", "foo"}, prog.NameExpressions())

	require.NoError(t, prog.Compile())

	err = prog.AddNameExpression("baz")
	assert.ErrorIs(t, err, nvrtc.ErrNoNameExpressionsAfterCompilation)
	assert.Equal(t, 3, lib.Called("AddNameExpression"))

	foo, err := prog.LoweredName("foo")
	require.NoError(t, err)
	assert.NotEmpty(t, foo)
	assert.Equal(t, "_Z3foov", foo)

	bar, err := prog.LoweredName("&bar")
	require.NoError(t, err)
	assert.Equal(t, "_Z3barv", bar)

	_, err = prog.LoweredName("never_registered")
	assert.ErrorIs(t, err, nvrtc.ErrNameExpressionNotValid)
}

func TestDestroy(t *testing.T) {
	t.Run("without compile", func(t *testing.T) {
		c, lib := newCompiler(t)

		prog, err := c.NewProgram(minimalKernel, "k.cu", nil, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, lib.Live())

		prog.Destroy()
		assert.Zero(t, lib.Live())
	})

	t.Run("twice", func(t *testing.T) {
		c, lib := newCompiler(t)

		prog, err := c.NewProgram(minimalKernel, "k.cu", nil, nil)
		require.NoError(t, err)

		prog.Destroy()
		prog.Destroy()
		assert.Equal(t, 1, lib.Called("DestroyProgram"))
	})

	t.Run("use after destroy", func(t *testing.T) {
		c, lib := newCompiler(t)

		prog, err := c.NewProgram(minimalKernel, "k.cu", nil, nil)
		require.NoError(t, err)
		prog.Destroy()

		calls := len(lib.Calls())
		assert.ErrorIs(t, prog.AddNameExpression("k"), nvrtc.ErrDestroyed)
		assert.ErrorIs(t, prog.Compile(), nvrtc.ErrDestroyed)
		_, err = prog.Log()
		assert.ErrorIs(t, err, nvrtc.ErrDestroyed)
		_, err = prog.CUBIN()
		assert.ErrorIs(t, err, nvrtc.ErrDestroyed)
		_, err = prog.LoweredName("k")
		assert.ErrorIs(t, err, nvrtc.ErrDestroyed)
		assert.Len(t, lib.Calls(), calls)
	})

	t.Run("nil", func(t *testing.T) {
		var prog *nvrtc.Program
		assert.NotPanics(t, prog.Destroy)
	})

	t.Run("native failure is fatal once", func(t *testing.T) {
		lib := nvrtctest.New()
		c := nvrtc.NewWithLibrary(lib)

		prog, err := c.NewProgram(minimalKernel, "k.cu", nil, nil)
		require.NoError(t, err)

		lib.Fail("DestroyProgram", nvrtc.ResultInvalidProgram)
		derr := exceptions.TryCatch[*nvrtc.DestroyError](prog.Destroy)
		require.NotNil(t, derr)
		assert.Equal(t, "k.cu", derr.Name)
		assert.ErrorIs(t, derr, nvrtc.ErrInvalidProgram)

		assert.NotPanics(t, prog.Destroy)
		assert.Equal(t, 1, lib.Called("DestroyProgram"))
	})
}

func TestFinalizerDestroysDroppedProgram(t *testing.T) {
	c, lib := newCompiler(t)

	func() {
		prog, err := c.NewProgram(minimalKernel, "dropped.cu", nil, nil)
		require.NoError(t, err)
		require.NoError(t, prog.Compile())
	}()
	require.Equal(t, 1, lib.Live())

	assert.Eventually(t, func() bool {
		runtime.GC()
		return lib.Live() == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, lib.Called("DestroyProgram"))
}

func TestIndependentProgramsConcurrently(t *testing.T) {
	c, lib := newCompiler(t)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			prog, err := c.NewProgram(minimalKernel, "k.cu", nil, nil)
			if err != nil {
				errs[i] = err
				return
			}
			defer prog.Destroy()

			if err := prog.Compile(); err != nil {
				errs[i] = err
				return
			}
			_, errs[i] = prog.PTX()
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 8, lib.Called("CompileProgram"))
}
