package main

import (
	"fmt"
	"io/ioutil"
	"os"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
	log "github.com/sirupsen/logrus"
	pim "github.com/t7a/pimbase"

	"github.com/docopt/docopt-go"
)

func init() {
	var debug string
	debug = os.Getenv("DEBUG")
	if debug == "1" {
		log.SetLevel(log.DebugLevel)
	}
	logrus.SetReportCaller(true)
	formatter := &logrus.TextFormatter{
		CallerPrettyfier: caller(),
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyFile: "caller",
		},
	}
	formatter.TimestampFormat = "15:04:05.999999999"
	logrus.SetFormatter(formatter)
}

// caller returns string presentation of log caller which is formatted as
// `/path/to/file.go:line_number`. e.g. `/internal/app/api.go:25`
// https://stackoverflow.com/questions/63658002/is-it-possible-to-wrap-logrus-logger-functions-without-losing-the-line-number-pr
func caller() func(*runtime.Frame) (function string, file string) {
	return func(f *runtime.Frame) (function string, file string) {
		p, _ := os.Getwd()
		return "", fmt.Sprintf("%s:%d gid %d", strings.TrimPrefix(f.File, p), f.Line, pim.GetGID())
	}
}

type Opts struct {
	Init    bool
	Put     bool
	Cat     bool
	Rm      bool
	Mv      bool
	Ls      bool
	Tag     bool
	Untag   bool
	Tags    bool
	Tagged  bool
	Link    bool
	Unlink  bool
	Links   bool
	Verify  bool
	Id      string
	Old     string
	New     string
	A       string
	B       string
	Module  string
	Tagname []string
}

func main() {
	// see https://github.com/google/go-cmdtest
	os.Exit(run())
}

func run() (rc int) {

	usage := `pimbase

Usage:
  pim init
  pim put <id>
  pim cat <id>
  pim rm <id>
  pim mv <old> <new>
  pim ls [<module>]
  pim tag <id> <tagname>...
  pim untag <id> <tagname>...
  pim tags <id>
  pim tagged <tagname>...
  pim link <a> <b>
  pim unlink <a> <b>
  pim links <id>
  pim verify

Options:
  -h --help     Show this screen.
  --version     Show version.
`
	parser := &docopt.Parser{OptionsFirst: false}
	o, _ := parser.ParseArgs(usage, os.Args[1:], "0.0")
	var opts Opts
	err := o.Bind(&opts)
	if err != nil {
		log.Error(err)
		return 22
	}
	log.Debug(opts)

	switch true {
	case opts.Init:
		msg, err := create()
		if err != nil {
			log.Error(err)
			return 42
		}
		fmt.Println(msg)
	case opts.Put:
		buf, err := ioutil.ReadAll(os.Stdin)
		if err != nil {
			log.Error(err)
			return 5
		}
		err = putEntry(opts.Id, buf)
		if err != nil {
			log.Error(err)
			return 42
		}
	case opts.Cat:
		buf, err := catEntry(opts.Id)
		if err != nil {
			log.Error(err)
			return 42
		}
		_, err = os.Stdout.Write(buf)
		if err != nil {
			log.Error(err)
			return 25
		}
	case opts.Rm:
		err := rmEntry(opts.Id)
		if err != nil {
			log.Error(err)
			return 42
		}
	case opts.Mv:
		err := mvEntry(opts.Old, opts.New)
		if err != nil {
			log.Error(err)
			return 42
		}
	case opts.Ls:
		ids, err := lsIds(opts.Module)
		if err != nil {
			log.Error(err)
			return 42
		}
		for _, id := range ids {
			fmt.Println(id)
		}
	case opts.Tag:
		err := tagEntry(opts.Id, opts.Tagname, true)
		if err != nil {
			log.Error(err)
			return 42
		}
	case opts.Untag:
		err := tagEntry(opts.Id, opts.Tagname, false)
		if err != nil {
			log.Error(err)
			return 42
		}
	case opts.Tags:
		tags, err := tagsOf(opts.Id)
		if err != nil {
			log.Error(err)
			return 42
		}
		for _, tag := range tags {
			fmt.Println(tag)
		}
	case opts.Tagged:
		ids, err := taggedIds(opts.Tagname)
		if err != nil {
			log.Error(err)
			return 42
		}
		for _, id := range ids {
			fmt.Println(id)
		}
	case opts.Link:
		err := linkEntries(opts.A, opts.B, true)
		if err != nil {
			log.Error(err)
			return 42
		}
	case opts.Unlink:
		err := linkEntries(opts.A, opts.B, false)
		if err != nil {
			log.Error(err)
			return 42
		}
	case opts.Links:
		ids, err := linksOf(opts.Id)
		if err != nil {
			log.Error(err)
			return 42
		}
		for _, id := range ids {
			fmt.Println(id)
		}
	case opts.Verify:
		report, err := verify()
		if err != nil {
			log.Error(err)
			return 42
		}
		fmt.Printf("checked %d entries, repaired %d\n", report.Checked, report.Repaired)
	}
	return 0
}

func storedir() (dir string) {
	dir = os.Getenv("PIM_DIR")
	if dir == "" {
		dir = "pim.d"
	}
	return
}

func create() (msg string, err error) {
	dir := storedir()
	store, err := pim.Open(dir)
	if err != nil {
		return
	}
	err = store.Close()
	if err != nil {
		return
	}
	return fmt.Sprintf("Initialized empty store in %s", dir), nil
}

func openstore() (store *pim.Store, err error) {
	return pim.Open(storedir())
}

func putEntry(s string, buf []byte) (err error) {
	store, err := openstore()
	if err != nil {
		return
	}
	id, err := pim.ParseId(s)
	if err != nil {
		return
	}
	handle, err := store.Get(id)
	if err != nil {
		return
	}
	if handle == nil {
		handle, err = store.Create(id)
		if err != nil {
			return
		}
	}
	handle.SetContent(buf)
	return handle.Release()
}

func catEntry(s string) (buf []byte, err error) {
	store, err := openstore()
	if err != nil {
		return
	}
	id, err := pim.ParseId(s)
	if err != nil {
		return
	}
	entry, err := store.RetrieveCopy(id)
	if err != nil {
		return
	}
	return entry.Content(), nil
}

func rmEntry(s string) (err error) {
	store, err := openstore()
	if err != nil {
		return
	}
	id, err := pim.ParseId(s)
	if err != nil {
		return
	}
	return store.Delete(id)
}

func mvEntry(olds, news string) (err error) {
	store, err := openstore()
	if err != nil {
		return
	}
	old, err := pim.ParseId(olds)
	if err != nil {
		return
	}
	new, err := pim.ParseId(news)
	if err != nil {
		return
	}
	return store.Move(old, new)
}

func lsIds(module string) (out []string, err error) {
	store, err := openstore()
	if err != nil {
		return
	}
	it := store.Ids()
	if module != "" {
		it = store.IdsFiltered(func(id pim.StoreId) bool {
			return id.Module() == module
		})
	}
	ids, err := it.All()
	if err != nil {
		return
	}
	for _, id := range ids {
		out = append(out, id.String())
	}
	return
}

func tagEntry(s string, tags []string, add bool) (err error) {
	store, err := openstore()
	if err != nil {
		return
	}
	id, err := pim.ParseId(s)
	if err != nil {
		return
	}
	handle, err := store.Retrieve(id)
	if err != nil {
		return
	}
	for _, tag := range tags {
		if add {
			err = handle.AddTag(tag)
		} else {
			err = handle.RemoveTag(tag)
		}
		if err != nil {
			handle.Discard()
			return
		}
	}
	return handle.Release()
}

func tagsOf(s string) (tags []string, err error) {
	store, err := openstore()
	if err != nil {
		return
	}
	id, err := pim.ParseId(s)
	if err != nil {
		return
	}
	entry, err := store.RetrieveCopy(id)
	if err != nil {
		return
	}
	return entry.Tags(), nil
}

func taggedIds(tags []string) (out []string, err error) {
	store, err := openstore()
	if err != nil {
		return
	}
	ids, err := store.IdsTagged(tags...)
	if err != nil {
		return
	}
	for _, id := range ids {
		out = append(out, id.String())
	}
	return
}

func linkEntries(as, bs string, add bool) (err error) {
	store, err := openstore()
	if err != nil {
		return
	}
	a, err := pim.ParseId(as)
	if err != nil {
		return
	}
	b, err := pim.ParseId(bs)
	if err != nil {
		return
	}
	if add {
		return store.Link(a, b)
	}
	return store.Unlink(a, b)
}

func linksOf(s string) (out []string, err error) {
	store, err := openstore()
	if err != nil {
		return
	}
	id, err := pim.ParseId(s)
	if err != nil {
		return
	}
	entry, err := store.RetrieveCopy(id)
	if err != nil {
		return
	}
	for _, l := range entry.Links() {
		out = append(out, l.String())
	}
	return
}

func verify() (report pim.VerifyReport, err error) {
	store, err := openstore()
	if err != nil {
		return
	}
	return store.Verify()
}
