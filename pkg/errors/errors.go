// Package errors はexpkit全体のエラー型と警告の仕組みを提供します。
// 実体は cockroachdb/errors で、すべての型付きエラーはスタックトレースを保持し、
// zerolog に構造化フィールドとして書き出せます。
package errors

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

// ===========================================================================
//
//	グローバル警告ハンドリング
//
// ===========================================================================
var (
	warningMutex   sync.Mutex
	warningHandler = func(w error) {
		log.Printf("expkit-Warning: %v\n", w)
	}
	// pkg/log が起動時に差し込む（循環importを避けるため）
	zerologWarnFunc func(warning error)
)

// SetWarningHandler は警告ハンドラを差し替えます。
func SetWarningHandler(handler func(w error)) {
	warningMutex.Lock()
	defer warningMutex.Unlock()
	warningHandler = handler
}

// SetZerologWarnFunc はzerolog警告関数を設定します。
func SetZerologWarnFunc(warnFunc func(warning error)) {
	warningMutex.Lock()
	defer warningMutex.Unlock()
	zerologWarnFunc = warnFunc
}

// Warn は警告を発生させます。
// zerologが設定されていれば構造化ログとして出力し、そうでなければハンドラを使います。
func Warn(w error) {
	warningMutex.Lock()
	defer warningMutex.Unlock()

	if zerologWarnFunc != nil {
		zerologWarnFunc(w)
		return
	}
	if warningHandler != nil {
		warningHandler(w)
	}
}

// UnknownParameterWarning は解釈できないハイパーパラメータが渡された場合の警告です。
type UnknownParameterWarning struct {
	Component string
	Name      string
}

func (w *UnknownParameterWarning) Error() string {
	return fmt.Sprintf("%s: unknown parameter: %s", w.Component, w.Name)
}

// MarshalZerologObject はzerologのイベントに構造化された警告情報を追加します。
func (w *UnknownParameterWarning) MarshalZerologObject(e *zerolog.Event) {
	e.Str("component", w.Component).
		Str("param_name", w.Name).
		Str("type", "UnknownParameterWarning")
}

// NewUnknownParameterWarning は新しいUnknownParameterWarningを作成します。
func NewUnknownParameterWarning(component, name string) *UnknownParameterWarning {
	return &UnknownParameterWarning{Component: component, Name: name}
}

// ===========================================================================
//
//	トラッキングバックエンドのエラー型
//
// ===========================================================================

// InitializationError はトラッキングバックエンドの初期化に失敗した場合のエラーです。
// 設定ミスを握りつぶさず、コンストラクタから呼び出し元へ返します。
type InitializationError struct {
	Backend string
	URI     string
	Err     error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("expkit: failed to initialize %s backend at %q: %v", e.Backend, e.URI, e.Err)
}

func (e *InitializationError) Unwrap() error {
	return e.Err
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *InitializationError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("backend", e.Backend).
		Str("uri", e.URI).
		AnErr("cause", e.Err).
		Str("type", "InitializationError")
}

// NewInitializationError は新しいInitializationErrorを作成し、スタックトレースを付与します。
func NewInitializationError(backend, uri string, err error) error {
	return errors.WithStack(&InitializationError{Backend: backend, URI: uri, Err: err})
}

// AlreadyExistsError は同名のリソース（実験名など）が既に存在する場合のエラーです。
// 実験の作成時にのみ想定内のエラーとして扱い、名前による再取得で回復します。
type AlreadyExistsError struct {
	Resource string
	Name     string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("expkit: %s %q already exists", e.Resource, e.Name)
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *AlreadyExistsError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("resource", e.Resource).
		Str("name", e.Name).
		Str("type", "AlreadyExistsError")
}

// NewAlreadyExistsError は新しいAlreadyExistsErrorを作成し、スタックトレースを付与します。
func NewAlreadyExistsError(resource, name string) error {
	return errors.WithStack(&AlreadyExistsError{Resource: resource, Name: name})
}

// IsAlreadyExists はerrのチェーンにAlreadyExistsErrorが含まれるかを判定します。
func IsAlreadyExists(err error) bool {
	var target *AlreadyExistsError
	return errors.As(err, &target)
}

// NotFoundError は指定したリソースが存在しない場合のエラーです。
type NotFoundError struct {
	Resource string
	Name     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("expkit: %s %q not found", e.Resource, e.Name)
}

// NewNotFoundError は新しいNotFoundErrorを作成し、スタックトレースを付与します。
func NewNotFoundError(resource, name string) error {
	return errors.WithStack(&NotFoundError{Resource: resource, Name: name})
}

// IsNotFound はerrのチェーンにNotFoundErrorが含まれるかを判定します。
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// BackendWriteError はパラメータ・メトリクス・アーティファクトの書き込みに失敗した場合のエラーです。
// 回復せずに呼び出し元へ伝播させます。
type BackendWriteError struct {
	Op  string
	Key string
	Err error
}

func (e *BackendWriteError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("expkit: %s %q: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("expkit: %s: %v", e.Op, e.Err)
}

func (e *BackendWriteError) Unwrap() error {
	return e.Err
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *BackendWriteError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("operation", e.Op).
		Str("key", e.Key).
		AnErr("cause", e.Err).
		Str("type", "BackendWriteError")
}

// NewBackendWriteError は新しいBackendWriteErrorを作成し、スタックトレースを付与します。
func NewBackendWriteError(op, key string, err error) error {
	return errors.WithStack(&BackendWriteError{Op: op, Key: key, Err: err})
}

// ===========================================================================
//
//	ライフサイクルと入力のエラー型
//
// ===========================================================================

// InvalidStateError はライフサイクルの順序に反して操作が呼ばれた場合のエラーです。
// 例: 学習前のPredict、ラン終了後のログ書き込み。
type InvalidStateError struct {
	Component string
	Op        string
	State     string
	Allowed   []string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("expkit: %s: %s is not allowed in state %q (allowed: %s)",
		e.Component, e.Op, e.State, strings.Join(e.Allowed, ", "))
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *InvalidStateError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("component", e.Component).
		Str("operation", e.Op).
		Str("state", e.State).
		Strs("allowed", e.Allowed).
		Str("type", "InvalidStateError")
}

// NewInvalidStateError は新しいInvalidStateErrorを作成し、スタックトレースを付与します。
func NewInvalidStateError(component, op, state string, allowed []string) error {
	return errors.WithStack(&InvalidStateError{Component: component, Op: op, State: state, Allowed: allowed})
}

// DimensionError は入力データの次元が期待値と異なる場合のエラーです。
// 特徴量行列とラベルの長さ不一致（データ形状エラー）もこれで表します。
type DimensionError struct {
	Op       string
	Expected int
	Got      int
	Axis     int // 0: 行, 1: 列（特徴量）
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("expkit: %s: dimension mismatch on axis %d (%s). Expected %d, got %d",
		e.Op, e.Axis, axisName(e.Axis), e.Expected, e.Got)
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *DimensionError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("operation", e.Op).
		Int("expected", e.Expected).
		Int("got", e.Got).
		Int("axis", e.Axis).
		Str("axis_name", axisName(e.Axis)).
		Str("type", "DimensionError")
}

func axisName(axis int) string {
	if axis == 0 {
		return "rows"
	}
	return "features"
}

// NewDimensionError は新しいDimensionErrorを作成し、スタックトレースを付与します。
func NewDimensionError(op string, expected, got, axis int) error {
	return errors.WithStack(&DimensionError{Op: op, Expected: expected, Got: got, Axis: axis})
}

// ValidationError は入力パラメータの検証に失敗した場合のエラーです。
type ValidationError struct {
	ParamName string
	Reason    string
	Value     interface{}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("expkit: validation failed for parameter '%s': %s (got: %v)", e.ParamName, e.Reason, e.Value)
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *ValidationError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("param_name", e.ParamName).
		Str("reason", e.Reason).
		Interface("value", e.Value).
		Str("type", "ValidationError")
}

// NewValidationError は新しいValidationErrorを作成し、スタックトレースを付与します。
func NewValidationError(param, reason string, value interface{}) error {
	return errors.WithStack(&ValidationError{ParamName: param, Reason: reason, Value: value})
}

// DuplicateKeyError は設定の平坦化で異なる葉が同じドット区切りキーになった場合のエラーです。
type DuplicateKeyError struct {
	Key string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("expkit: flattened key %q is produced by more than one value", e.Key)
}

// NewDuplicateKeyError は新しいDuplicateKeyErrorを作成し、スタックトレースを付与します。
func NewDuplicateKeyError(key string) error {
	return errors.WithStack(&DuplicateKeyError{Key: key})
}

// ValueError は引数の値が不適切な場合のエラーです。
type ValueError struct {
	Op      string
	Message string
}

func (e *ValueError) Error() string {
	return fmt.Sprintf("expkit: %s: %s", e.Op, e.Message)
}

// NewValueError は新しいValueErrorを作成し、スタックトレースを付与します。
func NewValueError(op, message string) error {
	return errors.WithStack(&ValueError{Op: op, Message: message})
}

// ModelError は機械学習モデルに関する一般的なエラーです。
type ModelError struct {
	Op   string
	Kind string
	Err  error
}

func (e *ModelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("expkit: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("expkit: %s: %s", e.Op, e.Kind)
}

func (e *ModelError) Unwrap() error {
	return e.Err
}

// NewModelError は新しいModelErrorを作成し、スタックトレースを付与します。
func NewModelError(op, kind string, err error) error {
	return errors.WithStack(&ModelError{Op: op, Kind: kind, Err: err})
}

// ===========================================================================
//
//	cockroachdb/errors ラッパー関数
//
// ===========================================================================

// Is はエラーが特定のターゲットエラーかどうかを判定します。
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As はエラーが特定の型にキャスト可能かどうかを判定します。
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Wrap は既存のエラーをメッセージ付きでラップします。
func Wrap(err error, message string) error {
	return errors.Wrap(err, message)
}

// Wrapf は既存のエラーをフォーマット文字列でラップします。
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

// New は新しいエラーを作成します。
func New(message string) error {
	return errors.New(message)
}

// Newf は新しいフォーマット済みエラーを作成します。
func Newf(format string, args ...interface{}) error {
	return errors.Newf(format, args...)
}

// WithStack はエラーにスタックトレースを付与します。
func WithStack(err error) error {
	return errors.WithStack(err)
}

// ===========================================================================
//
//	共通エラー変数
//
// ===========================================================================

var (
	// ErrEmptyData は空のデータが渡された場合のエラーです。
	ErrEmptyData = New("empty data")

	// ErrUnsupportedURI はトラッキングURIやアーティファクトURIのスキームを扱えない場合のエラーです。
	ErrUnsupportedURI = New("unsupported uri scheme")
)
