package challenge

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// writeChallenge is a helper that creates baseDir/subdir/name with content.
func writeChallenge(t *testing.T, baseDir, subdir, name, content string) {
	t.Helper()
	dir := filepath.Join(baseDir, subdir)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

const pwnYAML = `
id: pwn1
name: Baby BOF
author: alice
description: overflow it
category: pwn
flag: ctf{smash}
provide:
  - chall
  - file: ./build/libc.so.6
    as: libc.so.6
container:
  build: .
  limits:
    cpu: 500
    mem: 256
  env:
    FOO: bar
  expose:
    1337: tcp
  strategy: instanced
`

const webTOML = `
id = "web100"
name = "Cookie Jar"
author = "bob"
description = "find the cookie"
category = "web"
flag = { file = "flag.txt" }
provide = [{ globs = ["src/**"], exclude = ["src/secret"] }]

[container]
build = "."
expose = { 8080 = "http" }
`

func TestNewIndex(t *testing.T) {
	dir := t.TempDir()
	writeChallenge(t, dir, "pwn/pwn1", "challenge.yml", pwnYAML)
	writeChallenge(t, dir, "web/web100", "challenge.toml", webTOML)

	idx, err := NewIndex(dir)
	require.NoError(t, err)

	chall, err := idx.Get("pwn1")
	require.NoError(t, err)
	assert.Equal(t, "Baby BOF", chall.Name)
	assert.Equal(t, "pwn", chall.Category)
	assert.Equal(t, "ctf{smash}", chall.Flag.Raw)
	require.Len(t, chall.Provide, 2)
	assert.Equal(t, "chall", chall.Provide[0].File)
	assert.Equal(t, "libc.so.6", chall.Provide[1].As)
	require.NotNil(t, chall.Container)
	assert.Equal(t, StrategyInstanced, chall.Container.Strategy)
	assert.True(t, chall.Container.Instanced())
	assert.Equal(t, map[uint16]ExposeType{1337: ExposeTCP}, chall.Container.Expose)
	require.NotNil(t, chall.Container.Limits)
	assert.Equal(t, uint64(500), *chall.Container.Limits.CPU)
	assert.Equal(t, uint64(256), *chall.Container.Limits.Mem)
	assert.Equal(t, "bar", chall.Container.Env["FOO"])

	web, err := idx.Get("web100")
	require.NoError(t, err)
	assert.Equal(t, "flag.txt", web.Flag.File)
	assert.Empty(t, web.Flag.Raw)
	assert.Equal(t, StrategyStatic, web.Container.Strategy, "strategy defaults to static")
	assert.Equal(t, map[uint16]ExposeType{8080: ExposeHTTP}, web.Container.Expose)
	require.Len(t, web.Provide, 1)
	assert.True(t, web.Provide[0].IsArchive())
	assert.Equal(t, "chall", web.Provide[0].As)
	assert.Equal(t, []string{"src/secret"}, web.Provide[0].Exclude)

	all := idx.All()
	require.Len(t, all, 2)
	assert.Equal(t, "pwn1", all[0].ID)
	assert.Equal(t, "web100", all[1].ID)
	assert.Equal(t, map[string]int{"pwn": 1, "web": 1}, idx.CategoryCounts())
}

func TestNewIndex_CoalescedDirectory(t *testing.T) {
	dir := t.TempDir()
	writeChallenge(t, dir, "", "pwn1.yaml", pwnYAML)
	writeChallenge(t, dir, "", "web100.toml", webTOML)
	// Nested files not named challenge.* are ignored.
	writeChallenge(t, dir, "notes", "todo.yml", "not: a challenge")

	idx, err := NewIndex(dir)
	require.NoError(t, err)
	assert.Len(t, idx.All(), 2)
}

func TestNewIndex_SkipsGitDir(t *testing.T) {
	dir := t.TempDir()
	writeChallenge(t, dir, "pwn1", "challenge.yml", pwnYAML)
	writeChallenge(t, dir, ".git/pwn1", "challenge.yml", pwnYAML)

	idx, err := NewIndex(dir)
	require.NoError(t, err)
	assert.Len(t, idx.All(), 1)
}

func TestNewIndex_DuplicateID(t *testing.T) {
	dir := t.TempDir()
	writeChallenge(t, dir, "a", "challenge.yml", pwnYAML)
	writeChallenge(t, dir, "b", "challenge.yml", pwnYAML)

	_, err := NewIndex(dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateID)
	assert.Contains(t, err.Error(), "pwn1")
}

func TestNewIndex_ParseErrorNamesFile(t *testing.T) {
	dir := t.TempDir()
	writeChallenge(t, dir, "broken", "challenge.toml", `id = "broken`)

	_, err := NewIndex(dir)
	require.Error(t, err)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, filepath.Join(dir, "broken", "challenge.toml"), perr.Path)
}

func TestNewIndex_ValidationErrors(t *testing.T) {
	cases := map[string]string{
		"bad id": `
id: Not_Valid
name: x
author: x
description: x
category: misc
flag: ctf{x}
`,
		"missing flag": `
id: noflag
name: x
author: x
description: x
category: misc
`,
		"unknown expose type": `
id: badexpose
name: x
author: x
description: x
category: misc
flag: ctf{x}
container:
  build: .
  expose:
    80: udp
`,
		"unknown strategy": `
id: badstrategy
name: x
author: x
description: x
category: misc
flag: ctf{x}
container:
  build: .
  strategy: shared
`,
		"container without build": `
id: nobuild
name: x
author: x
description: x
category: misc
flag: ctf{x}
container:
  expose:
    80: http
`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			writeChallenge(t, dir, "c", "challenge.yml", content)
			_, err := NewIndex(dir)
			var perr *ParseError
			assert.ErrorAs(t, err, &perr)
		})
	}
}

func TestBuildIndex_RebuildClearsOldEntries(t *testing.T) {
	dir := t.TempDir()
	writeChallenge(t, dir, "pwn1", "challenge.yml", pwnYAML)

	idx, err := NewIndex(dir)
	require.NoError(t, err)
	_, err = idx.Get("pwn1")
	require.NoError(t, err)

	dir2 := t.TempDir()
	writeChallenge(t, dir2, "web100", "challenge.toml", webTOML)
	require.NoError(t, idx.BuildIndex(dir2))

	_, err = idx.Get("pwn1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = idx.Get("web100")
	assert.NoError(t, err)
}

func TestBuildIndex_InvalidDir(t *testing.T) {
	_, err := NewIndex("/nonexistent/path/that/does/not/exist")
	assert.Error(t, err)
}

func TestNewIndexFrom(t *testing.T) {
	a := &Challenge{ID: "a"}
	idx, err := NewIndexFrom(a, &Challenge{ID: "b"})
	require.NoError(t, err)
	got, err := idx.Get("a")
	require.NoError(t, err)
	assert.Same(t, a, got)

	_, err = NewIndexFrom(a, a)
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestIsValidID(t *testing.T) {
	assert.True(t, IsValidID("web100"))
	assert.True(t, IsValidID("baby-bof-2"))
	assert.False(t, IsValidID(""))
	assert.False(t, IsValidID("Web"))
	assert.False(t, IsValidID("a_b"))
	assert.False(t, IsValidID("a/b"))
}
