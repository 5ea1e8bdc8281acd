// Package wire implements functions for marshaling and unmarshaling Kafka
// requests and responses.
//
// Exported struct fields are written in declaration order. Fields tagged
// `wire:"omit"` are skipped. String fields tagged `wire:"nullable"` are
// written as null (length -1) when empty. A nil slice is written as a null
// array; a null array or null bytes are read back as nil.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"reflect"

	"github.com/kcli-dev/kcli"
)

var ord = binary.BigEndian

func exported(f reflect.StructField) bool {
	return f.PkgPath == ""
}

func Write(w io.Writer, val reflect.Value) error {
	return write(w, val, "")
}

func write(w io.Writer, val reflect.Value, tag string) error {
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface:
		if val.IsNil() {
			return fmt.Errorf("%w: can't write nil %s", kcli.ErrCodec, val.Type())
		}
		return write(w, val.Elem(), tag)
	case reflect.Struct:
		for i := 0; i < val.NumField(); i++ {
			f := val.Type().Field(i)
			if !exported(f) {
				continue
			}
			t := f.Tag.Get("wire")
			if t == "omit" {
				continue
			}
			if err := write(w, val.Field(i), t); err != nil {
				return err
			}
		}
		return nil
	case reflect.Slice:
		if val.IsNil() {
			return binary.Write(w, ord, int32(-1))
		}
		if err := binary.Write(w, ord, int32(val.Len())); err != nil {
			return err
		}
		if val.Type().Elem().Kind() == reflect.Uint8 { // []byte
			_, err := w.Write(val.Bytes())
			return err
		}
		for i := 0; i < val.Len(); i++ {
			if err := write(w, val.Index(i), ""); err != nil {
				return err
			}
		}
		return nil
	case reflect.String:
		l := val.Len()
		if l == 0 && tag == "nullable" {
			return binary.Write(w, ord, int16(-1))
		}
		if l > 0x7fff {
			return fmt.Errorf("%w: string of %d bytes too long", kcli.ErrCodec, l)
		}
		if err := binary.Write(w, ord, int16(l)); err != nil {
			return err
		}
		_, err := io.WriteString(w, val.String())
		return err
	case reflect.Int8:
		return binary.Write(w, ord, int8(val.Int()))
	case reflect.Int16:
		return binary.Write(w, ord, int16(val.Int()))
	case reflect.Int32:
		return binary.Write(w, ord, int32(val.Int()))
	case reflect.Uint32:
		return binary.Write(w, ord, uint32(val.Uint()))
	case reflect.Int64:
		return binary.Write(w, ord, val.Int())
	case reflect.Bool:
		if val.Bool() {
			_, err := w.Write([]byte{1})
			return err
		}
		_, err := w.Write([]byte{0})
		return err
	}
	return fmt.Errorf("%w: unsupported kind %s", kcli.ErrCodec, val.Kind())
}

// Read unmarshals r into val, which must be settable. All errors wrap
// kcli.ErrCodec.
func Read(r io.Reader, val reflect.Value) error {
	if err := read(r, val); err != nil {
		return fmt.Errorf("%w: %w", kcli.ErrCodec, err)
	}
	return nil
}

func read(r io.Reader, val reflect.Value) error {
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface:
		return read(r, val.Elem())
	case reflect.Struct:
		for i := 0; i < val.NumField(); i++ {
			f := val.Type().Field(i)
			if !exported(f) || f.Tag.Get("wire") == "omit" {
				continue
			}
			if err := read(r, val.Field(i)); err != nil {
				return fmt.Errorf("field %s: %w", f.Name, err)
			}
		}
		return nil
	case reflect.Slice:
		var n int32
		if err := binary.Read(r, ord, &n); err != nil {
			return fmt.Errorf("error reading array length: %w", err)
		}
		if n == -1 {
			val.Set(reflect.Zero(val.Type())) // null
			return nil
		}
		if n < -1 || n > kcli.MaxFrameBytes {
			return fmt.Errorf("invalid array length %d", n)
		}
		typ := val.Type().Elem()
		if typ.Kind() == reflect.Uint8 { // []byte
			b := make([]byte, n)
			if _, err := io.ReadFull(r, b); err != nil {
				return fmt.Errorf("error reading []byte body: %w", err)
			}
			val.SetBytes(b)
			return nil
		}
		val.Set(reflect.MakeSlice(val.Type(), 0, 0))
		for i := 0; i < int(n); i++ {
			element := reflect.New(typ).Elem()
			if err := read(r, element); err != nil {
				return fmt.Errorf("error parsing array element %d: %w", i, err)
			}
			val.Set(reflect.Append(val, element))
		}
		return nil
	case reflect.String:
		var n int16
		if err := binary.Read(r, ord, &n); err != nil {
			return fmt.Errorf("error reading string length: %w", err)
		}
		if n == -1 {
			val.SetString("")
			return nil
		}
		if n < -1 {
			return fmt.Errorf("invalid string length %d", n)
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(r, b); err != nil {
			return fmt.Errorf("error reading string body: %w", err)
		}
		val.SetString(string(b))
		return nil
	case reflect.Int8:
		var i int8
		if err := binary.Read(r, ord, &i); err != nil {
			return fmt.Errorf("error reading int8: %w", err)
		}
		val.SetInt(int64(i))
		return nil
	case reflect.Int16:
		var i int16
		if err := binary.Read(r, ord, &i); err != nil {
			return fmt.Errorf("error reading int16: %w", err)
		}
		val.SetInt(int64(i))
		return nil
	case reflect.Int32:
		var i int32
		if err := binary.Read(r, ord, &i); err != nil {
			return fmt.Errorf("error reading int32: %w", err)
		}
		val.SetInt(int64(i))
		return nil
	case reflect.Uint32:
		var i uint32
		if err := binary.Read(r, ord, &i); err != nil {
			return fmt.Errorf("error reading uint32: %w", err)
		}
		val.SetUint(uint64(i))
		return nil
	case reflect.Int64:
		var i int64
		if err := binary.Read(r, ord, &i); err != nil {
			return fmt.Errorf("error reading int64: %w", err)
		}
		val.SetInt(i)
		return nil
	case reflect.Bool:
		b := make([]byte, 1)
		if _, err := io.ReadFull(r, b); err != nil {
			return fmt.Errorf("error reading bool: %w", err)
		}
		val.SetBool(b[0] != 0)
		return nil
	}
	return fmt.Errorf("unsupported kind %s", val.Kind())
}
