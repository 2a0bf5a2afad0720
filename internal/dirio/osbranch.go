// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dirio

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// OSDir implements Dir directly against a real host directory. It is the
// reference Directory Interface implementation: every branch root in a
// real mount is an *OSDir.
type OSDir struct {
	path string
}

// NewOSDir wraps an existing host directory. It stats the path to enforce
// §4.1 rule (d): lower objects must be directories.
func NewOSDir(path string) (*OSDir, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, &os.PathError{Op: "newOSDir", Path: path, Err: syscall.ENOTDIR}
	}
	return &OSDir{path: path}, nil
}

func (d *OSDir) child(name string) string { return filepath.Join(d.path, name) }

func attrFromFileInfo(fi os.FileInfo) Attr {
	a := Attr{
		Mode:  fi.Mode(),
		Size:  fi.Size(),
		Mtime: fi.ModTime(),
	}
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		a.Uid = st.Uid
		a.Gid = st.Gid
		a.Nlink = uint32(st.Nlink)
		a.Ino = st.Ino
		a.Ctime = time.Unix(st.Ctim.Sec, st.Ctim.Nsec)
	}
	return a
}

func (d *OSDir) Lookup(ctx context.Context, name string) (Attr, bool, error) {
	fi, err := os.Lstat(d.child(name))
	if os.IsNotExist(err) {
		return Attr{}, false, nil
	}
	if err != nil {
		return Attr{}, false, err
	}
	return attrFromFileInfo(fi), true, nil
}

func (d *OSDir) Readdir(ctx context.Context) ([]DirEntry, error) {
	f, err := os.Open(d.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	names, err := f.Readdirnames(-1)
	if err != nil {
		return nil, err
	}

	entries := make([]DirEntry, 0, len(names))
	for _, name := range names {
		fi, err := os.Lstat(d.child(name))
		if err != nil {
			continue // vanished between Readdirnames and Lstat; skip it
		}
		entries = append(entries, DirEntry{Name: name, Attr: attrFromFileInfo(fi)})
	}
	return entries, nil
}

func (d *OSDir) Sub(name string) Dir {
	return &OSDir{path: d.child(name)}
}

func (d *OSDir) Create(ctx context.Context, name string, mode os.FileMode) (File, error) {
	f, err := os.OpenFile(d.child(name), os.O_RDWR|os.O_CREATE|os.O_EXCL, mode.Perm())
	if err != nil {
		return nil, err
	}
	return &osFile{f: f}, nil
}

func (d *OSDir) Mkdir(ctx context.Context, name string, mode os.FileMode) error {
	return os.Mkdir(d.child(name), mode.Perm())
}

func (d *OSDir) Symlink(ctx context.Context, name, target string) error {
	return os.Symlink(target, d.child(name))
}

func (d *OSDir) Mknod(ctx context.Context, name string, mode os.FileMode, dev uint64) error {
	return unix.Mknod(d.child(name), uint32(mode), int(dev))
}

func (d *OSDir) Link(ctx context.Context, oldName, newName string) error {
	return os.Link(d.child(oldName), d.child(newName))
}

func (d *OSDir) Rename(ctx context.Context, oldName string, newParent Dir, newName string) error {
	dst, ok := newParent.(*OSDir)
	if !ok {
		return syscall.EXDEV
	}
	return os.Rename(d.child(oldName), dst.child(newName))
}

func (d *OSDir) Unlink(ctx context.Context, name string) error {
	return os.Remove(d.child(name))
}

func (d *OSDir) Rmdir(ctx context.Context, name string) error {
	return unix.Rmdir(d.child(name))
}

func (d *OSDir) Readlink(ctx context.Context, name string) (string, error) {
	return os.Readlink(d.child(name))
}

func (d *OSDir) Open(ctx context.Context, name string, write bool) (File, error) {
	flag := os.O_RDONLY
	if write {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(d.child(name), flag, 0)
	if err != nil {
		return nil, err
	}
	return &osFile{f: f}, nil
}

func (d *OSDir) Permission(ctx context.Context, mode os.FileMode) error {
	return unix.Access(d.path, accessMode(mode))
}

func (d *OSDir) SetAttr(ctx context.Context, attr Attr, mask AttrMask) error {
	return applySetAttr(d.path, attr, mask)
}

func (d *OSDir) Stat(ctx context.Context) (Attr, error) {
	fi, err := os.Lstat(d.path)
	if err != nil {
		return Attr{}, err
	}
	return attrFromFileInfo(fi), nil
}

func accessMode(mode os.FileMode) uint32 {
	var m uint32
	if mode&0o4 != 0 {
		m |= unix.R_OK
	}
	if mode&0o2 != 0 {
		m |= unix.W_OK
	}
	if mode&0o1 != 0 {
		m |= unix.X_OK
	}
	if m == 0 {
		m = unix.F_OK
	}
	return m
}

func applySetAttr(path string, attr Attr, mask AttrMask) error {
	if mask&AttrMode != 0 {
		if err := os.Chmod(path, attr.Mode.Perm()); err != nil {
			return err
		}
	}
	if mask&(AttrUid|AttrGid) != 0 {
		uid, gid := -1, -1
		if mask&AttrUid != 0 {
			uid = int(attr.Uid)
		}
		if mask&AttrGid != 0 {
			gid = int(attr.Gid)
		}
		if err := os.Chown(path, uid, gid); err != nil {
			return err
		}
	}
	if mask&(AttrMtime|AttrAtime) != 0 {
		now := time.Now()
		atime, mtime := now, now
		if mask&AttrAtime != 0 {
			atime = attr.Mtime
		}
		if mask&AttrMtime != 0 {
			mtime = attr.Mtime
		}
		if err := os.Chtimes(path, atime, mtime); err != nil {
			return err
		}
	}
	if mask&AttrSize != 0 {
		if err := os.Truncate(path, attr.Size); err != nil {
			return err
		}
	}
	return nil
}

// osFile implements File directly against an *os.File.
type osFile struct {
	f *os.File
}

func (o *osFile) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	return o.f.ReadAt(p, off)
}

func (o *osFile) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	return o.f.WriteAt(p, off)
}

func (o *osFile) Fsync(ctx context.Context) error { return o.f.Sync() }

func (o *osFile) Flush(ctx context.Context) error { return nil }

func (o *osFile) Truncate(ctx context.Context, size int64) error {
	return o.f.Truncate(size)
}

func (o *osFile) Stat(ctx context.Context) (Attr, error) {
	fi, err := o.f.Stat()
	if err != nil {
		return Attr{}, err
	}
	return attrFromFileInfo(fi), nil
}

func (o *osFile) SetAttr(ctx context.Context, attr Attr, mask AttrMask) error {
	return applySetAttr(o.f.Name(), attr, mask)
}

func (o *osFile) Close() error { return o.f.Close() }
