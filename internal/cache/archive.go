package cache

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// PackDirectory 将 source 目录打包为 tar+gzip 写入 w。归档以 "." 为根，
// 解包到任意目录都会还原原始相对布局。条目按字典序写入，属主信息被清空，
// 时间截断到秒，因此同一棵目录树总是得到相同的字节。
func PackDirectory(source string, w io.Writer) error {
	gz, err := gzip.NewWriterLevel(w, gzip.DefaultCompression)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(gz)

	walkErr := filepath.WalkDir(source, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return writeEntry(tw, source, path, info)
	})
	if walkErr != nil {
		tw.Close()
		gz.Close()
		return walkErr
	}
	if err := tw.Close(); err != nil {
		gz.Close()
		return err
	}
	return gz.Close()
}

func writeEntry(tw *tar.Writer, source, path string, info fs.FileInfo) error {
	mode := info.Mode()
	if !mode.IsRegular() && !mode.IsDir() && mode&fs.ModeSymlink == 0 {
		// socket、设备文件等不属于构建产物
		return nil
	}

	rel, err := filepath.Rel(source, path)
	if err != nil {
		return err
	}
	name := "."
	if rel != "." {
		name = "./" + filepath.ToSlash(rel)
	}

	var link string
	if mode&fs.ModeSymlink != 0 {
		if link, err = os.Readlink(path); err != nil {
			return err
		}
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	hdr.Name = name
	if mode.IsDir() {
		hdr.Name += "/"
	}
	hdr.Uid, hdr.Gid = 0, 0
	hdr.Uname, hdr.Gname = "", ""
	hdr.ModTime = info.ModTime().Truncate(time.Second)
	hdr.AccessTime, hdr.ChangeTime = time.Time{}, time.Time{}

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if !mode.IsRegular() {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}

// UnpackArchive 将 PackDirectory 产生的归档解包到 destination（不存在则创建）。
// 越出 destination 的条目会被拒绝。
func UnpackArchive(r io.Reader, destination string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	if err := os.MkdirAll(destination, 0o755); err != nil {
		return err
	}
	root, err := filepath.Abs(destination)
	if err != nil {
		return err
	}

	type dirMeta struct {
		path    string
		mode    fs.FileMode
		modTime time.Time
	}
	var dirs []dirMeta

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}

		target, err := archiveTarget(root, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			dirs = append(dirs, dirMeta{path: target, mode: hdr.FileInfo().Mode().Perm(), modTime: hdr.ModTime})
		case tar.TypeReg:
			if err := ensureParent(root, target); err != nil {
				return err
			}
			if err := extractFile(tr, target, hdr); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := ensureParent(root, target); err != nil {
				return err
			}
			if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		case tar.TypeLink:
			if err := ensureParent(root, target); err != nil {
				return err
			}
			linked, err := archiveTarget(root, hdr.Linkname)
			if err != nil {
				return err
			}
			if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			if err := os.Link(linked, target); err != nil {
				return err
			}
		}
	}

	// 目录权限与时间最后恢复，先处理最深的目录，避免写子项时被刷新或被只读权限拦住。
	for i := len(dirs) - 1; i >= 0; i-- {
		dir := dirs[i]
		if err := os.Chmod(dir.path, dir.mode); err != nil {
			return err
		}
		if !dir.modTime.IsZero() {
			if err := os.Chtimes(dir.path, dir.modTime, dir.modTime); err != nil {
				return err
			}
		}
	}
	return nil
}

func extractFile(r io.Reader, target string, hdr *tar.Header) error {
	// 先删除已有条目，避免沿着旧的符号链接写到别处。
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, hdr.FileInfo().Mode().Perm())
	if err != nil {
		return err
	}
	_, copyErr := io.Copy(f, r)
	closeErr := f.Close()
	if copyErr != nil {
		return copyErr
	}
	if closeErr != nil {
		return closeErr
	}
	if !hdr.ModTime.IsZero() {
		return os.Chtimes(target, hdr.ModTime, hdr.ModTime)
	}
	return nil
}

func archiveTarget(root, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || filepath.VolumeName(clean) != "" ||
		clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry %q escapes destination", name)
	}
	return filepath.Join(root, clean), nil
}

// ensureParent 创建 target 的父目录，并确认解析符号链接后仍位于 root 之内。
func ensureParent(root, target string) error {
	parent := filepath.Dir(target)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return err
	}
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return err
	}
	resolved, err := filepath.EvalSymlinks(parent)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(resolvedRoot, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("archive entry %q escapes destination through a symlink", target)
	}
	return nil
}
