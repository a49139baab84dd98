package engine

import (
	"fmt"
	"reflect"

	"github.com/Konsultn-Engineering/datamapper/dynamic"
	"github.com/Konsultn-Engineering/datamapper/errs"
	"github.com/Konsultn-Engineering/datamapper/mapping"
	"github.com/Konsultn-Engineering/datamapper/schema"
)

// preGenerateKey assigns a pre-generated key to the parameter before the
// insert SQL is composed. A key property that already holds a value is
// kept.
func (rs *RequestScope) preGenerateKey() error {
	sk := rs.statement.desc.SelectKey
	if sk == nil || sk.Policy != mapping.KeyPreGenerated {
		return nil
	}
	id := rs.statement.desc.ID
	path, err := schema.CompilePath(sk.Property)
	if err != nil {
		return errs.Execution(id, err)
	}
	if !settable(rs.param) {
		return errs.Precondition(id, "insert parameter %T cannot receive key %q", rs.param, sk.Property)
	}
	if cur, err := path.Get(rs.param); err == nil && !isZero(reflect.ValueOf(cur)) {
		return nil
	}

	var key any
	if sk.Generator != "" {
		if key, err = schema.GenerateID(sk.Generator); err != nil {
			return errs.Configuration(id, "key generator: %v", err)
		}
	} else {
		if key, err = rs.selectKey(); err != nil {
			return err
		}
	}
	if key, err = convertKey(sk, key); err != nil {
		return errs.Execution(id, err)
	}
	if err := path.Set(rs.param, key); err != nil {
		return errs.Execution(id, err)
	}
	return nil
}

// insert executes the insert and obtains the key its policy describes.
func (rs *RequestScope) insert() (any, error) {
	id := rs.statement.desc.ID
	sk := rs.statement.desc.SelectKey

	if sk != nil && sk.Policy == mapping.KeyReturning {
		key, err := rs.command.ExecuteScalar(rs.ctx)
		if err != nil {
			return nil, errs.Execution(id, err)
		}
		return rs.assignKey(sk, key)
	}

	if _, err := rs.command.ExecuteNonQuery(rs.ctx); err != nil {
		return nil, errs.Execution(id, err)
	}
	if sk == nil {
		return nil, nil
	}

	switch sk.Policy {
	case mapping.KeyPreGenerated:
		if !settable(rs.param) {
			return nil, nil
		}
		return schema.Get(rs.param, sk.Property)
	case mapping.KeyPostGenerated:
		key, err := rs.selectKey()
		if err != nil {
			return nil, err
		}
		return rs.assignKey(sk, key)
	}
	return nil, nil
}

// selectKey runs the key query on the scope's session: one round trip.
// The insert's parameter map does not apply to the key query.
func (rs *RequestScope) selectKey() (any, error) {
	id := rs.statement.desc.ID
	sk := rs.statement.desc.SelectKey
	res, err := sk.SQL.Evaluate(rs.param, dynamic.EvalOptions{Dialect: rs.session.engine.dialect})
	if err != nil {
		return nil, errs.Execution(id, err)
	}
	args, err := rs.convert(res.Bindings)
	if err != nil {
		return nil, err
	}
	cmd, err := rs.session.db.CreateCommand()
	if err != nil {
		return nil, errs.Execution(id, err)
	}
	defer cmd.Close()
	if err := cmd.Prepare(res.SQL); err != nil {
		return nil, errs.Execution(id, err)
	}
	for i, a := range args {
		if err := cmd.BindParameter(i+1, a, res.Bindings[i].DbType); err != nil {
			return nil, errs.Execution(id, err)
		}
	}
	key, err := cmd.ExecuteScalar(rs.ctx)
	if err != nil {
		return nil, errs.Execution(id, fmt.Errorf("select key: %w", err))
	}
	return key, nil
}

// assignKey converts a key read from the database and stores it on the
// parameter when the parameter can hold it.
func (rs *RequestScope) assignKey(sk *mapping.SelectKey, key any) (any, error) {
	id := rs.statement.desc.ID
	key, err := convertKey(sk, key)
	if err != nil {
		return nil, errs.Execution(id, err)
	}
	if key == nil || !settable(rs.param) {
		return key, nil
	}
	if t := propertyType(reflect.TypeOf(rs.param), sk.Property); t != nil && sk.Type == nil {
		if key, err = schema.Convert(key, t); err != nil {
			return nil, errs.Execution(id, err)
		}
	}
	if err := schema.Set(rs.param, sk.Property, key); err != nil {
		return nil, errs.Execution(id, err)
	}
	return key, nil
}

func convertKey(sk *mapping.SelectKey, key any) (any, error) {
	if sk.Type == nil || key == nil {
		return key, nil
	}
	return schema.Convert(key, sk.Type)
}

// settable reports whether a key can be stored on param.
func settable(param any) bool {
	rv := reflect.ValueOf(param)
	switch rv.Kind() {
	case reflect.Ptr:
		return !rv.IsNil() && rv.Elem().Kind() != reflect.Ptr
	case reflect.Map:
		return !rv.IsNil()
	}
	return false
}
