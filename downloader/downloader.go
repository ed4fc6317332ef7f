// Package downloader fetches dataset files over HTTP, with a progress bar and
// optional checksum validation.
package downloader

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
)

// progressWriter tees writes to w while advancing a progress bar sized in
// units derived from contentLength.
type progressWriter struct {
	w                           io.Writer
	bar                         *progressbar.ProgressBar
	unit, numUnits, addedUnits  int64
	contentLength, bytesWritten int64
}

func newProgressWriter(w io.Writer, contentLength int64) *progressWriter {
	pw := &progressWriter{w: w, contentLength: contentLength, unit: 1}
	for contentLength > pw.unit*1024*1024 {
		pw.unit *= 1024
	}
	pw.numUnits = (contentLength + pw.unit - 1) / pw.unit
	pw.bar = progressbar.NewOptions(int(pw.numUnits),
		progressbar.OptionSetDescription(fsutil.ByteCountIEC(contentLength)),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)
	return pw
}

// Write implements io.Writer, updating the progress bar as bytes flow through.
func (pw *progressWriter) Write(p []byte) (n int, err error) {
	n, err = pw.w.Write(p)
	pw.bytesWritten += int64(n)
	units := pw.bytesWritten / pw.unit
	if units > pw.addedUnits {
		_ = pw.bar.Add(int(units - pw.addedUnits))
		pw.addedUnits = units
	}
	return
}

// CopyWithProgressBar is like io.Copy displaying progress along the way.
// It needs the amount of data to copy up-front.
func CopyWithProgressBar(dst io.Writer, src io.Reader, contentLength int64) (n int64, err error) {
	pw := newProgressWriter(dst, contentLength)
	n, err = io.Copy(pw, src)
	if pw.addedUnits < pw.numUnits {
		_ = pw.bar.Add(int(pw.numUnits - pw.addedUnits))
	}
	_ = pw.bar.Close()
	fmt.Println()
	return
}

// Download url to filePath, creating the parent directory if needed.
func Download(url, filePath string, showProgressBar bool) (size int64, err error) {
	filePath = fsutil.MustReplaceTildeInDir(filePath)
	err = os.MkdirAll(path.Dir(filePath), 0777)
	if err != nil && !os.IsExist(err) {
		return 0, errors.Wrapf(err, "failed to create directory %q", path.Dir(filePath))
	}
	file, err := os.Create(filePath)
	if err != nil {
		return 0, errors.Wrapf(err, "failed creating file %q", filePath)
	}
	client := http.Client{
		CheckRedirect: func(r *http.Request, via []*http.Request) error {
			r.URL.Opaque = r.URL.Path
			return nil
		},
	}
	resp, err := client.Get(url)
	if err != nil {
		return 0, errors.Wrapf(err, "failed downloading %q", url)
	}
	if showProgressBar {
		size, err = CopyWithProgressBar(file, resp.Body, resp.ContentLength)
	} else {
		size, err = io.Copy(file, resp.Body)
	}
	if err != nil {
		return 0, errors.Wrapf(err, "downloading %q to %q", url, filePath)
	}
	if err = file.Close(); err != nil {
		return 0, errors.Wrapf(err, "failed closing %q", filePath)
	}
	if err = resp.Body.Close(); err != nil {
		return 0, errors.Wrapf(err, "failed closing connection to %q", url)
	}
	return size, nil
}

// DownloadIfMissing downloads the file from the given URL if filePath doesn't
// exist yet. If checkHash is not empty the file contents are validated
// against it, whether the file was just downloaded or already there.
func DownloadIfMissing(url, filePath, checkHash string) error {
	filePath = fsutil.MustReplaceTildeInDir(filePath)
	if !fsutil.MustFileExists(filePath) {
		fmt.Printf("Downloading %s ...\n", url)
		if _, err := Download(url, filePath, true); err != nil {
			return err
		}
	}
	if checkHash == "" {
		return nil
	}
	return fsutil.ValidateChecksum(filePath, checkHash)
}
