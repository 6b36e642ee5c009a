package model

import (
	"encoding/gob"
	"io"
	"os"
	"path/filepath"

	"github.com/YuminosukeSato/realestate/pkg/errors"
	"github.com/ulikunitz/xz"
)

// SaveModel はモデルを xz 圧縮した gob としてファイルに保存する
//
// 一時ファイルに書き込んでからリネームするため、途中で失敗しても
// 既存のファイルは壊れない。
//
// 使用例:
//
//	err := model.SaveModel(&reg, "model.gob.xz")
func SaveModel(model interface{}, filename string) error {
	tmp, err := os.CreateTemp(filepath.Dir(filename), ".tmp-"+filepath.Base(filename))
	if err != nil {
		return errors.Wrap(err, "failed to create file")
	}
	defer os.Remove(tmp.Name())

	if err := SaveModelToWriter(model, tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to close file")
	}
	if err := os.Rename(tmp.Name(), filename); err != nil {
		return errors.Wrapf(err, "failed to move model into %s", filename)
	}
	return nil
}

// LoadModel はファイルからモデルを読み込む
//
// 使用例:
//
//	var reg linear.LinearModel
//	err := model.LoadModel(&reg, "model.gob.xz")
func LoadModel(model interface{}, filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return errors.Wrap(err, "failed to open file")
	}
	defer file.Close()

	return LoadModelFromReader(model, file)
}

// SaveModelToWriter はモデルを xz ストリームとして io.Writer に保存する
func SaveModelToWriter(model interface{}, w io.Writer) error {
	zw, err := xz.NewWriter(w)
	if err != nil {
		return errors.Wrap(err, "failed to open xz stream")
	}
	if err := gob.NewEncoder(zw).Encode(model); err != nil {
		zw.Close()
		return errors.Wrap(err, "failed to encode model")
	}
	if err := zw.Close(); err != nil {
		return errors.Wrap(err, "failed to flush xz stream")
	}
	return nil
}

// LoadModelFromReader は io.Reader の xz ストリームからモデルを読み込む
func LoadModelFromReader(model interface{}, r io.Reader) error {
	zr, err := xz.NewReader(r)
	if err != nil {
		return errors.Wrap(err, "failed to open xz stream")
	}
	if err := gob.NewDecoder(zr).Decode(model); err != nil {
		return errors.Wrap(err, "failed to decode model")
	}
	return nil
}
