package database

import (
	"os"
	"testing"
)

// 以下测试需要真实服务，通过环境变量指定地址

func TestMySQLConformance(t *testing.T) {
	dsn := os.Getenv("MULTIDB_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("MULTIDB_TEST_MYSQL_DSN not set")
	}
	testConformance(t, openConn(t, "mysql", map[string]any{"dsn": dsn}), capabilities{transactional: true, uniqueIndex: true})
}

func TestGormMySQLConformance(t *testing.T) {
	dsn := os.Getenv("MULTIDB_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("MULTIDB_TEST_MYSQL_DSN not set")
	}
	testConformance(t, openConn(t, "gorm", map[string]any{"driver": "mysql", "dsn": dsn}), capabilities{transactional: true, uniqueIndex: true})
}

func TestPostgresConformance(t *testing.T) {
	dsn := os.Getenv("MULTIDB_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MULTIDB_TEST_POSTGRES_DSN not set")
	}
	testConformance(t, openConn(t, "postgres", map[string]any{"dsn": dsn}), capabilities{transactional: true, uniqueIndex: true})
}

func TestMongoConformance(t *testing.T) {
	uri := os.Getenv("MULTIDB_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("MULTIDB_TEST_MONGO_URI not set")
	}
	testConformance(t, openConn(t, "mongo", map[string]any{"uri": uri, "database": "multidb_test"}), capabilities{uniqueIndex: true})
}

func TestDynamoDBConformance(t *testing.T) {
	endpoint := os.Getenv("MULTIDB_TEST_DYNAMODB_ENDPOINT")
	if endpoint == "" {
		t.Skip("MULTIDB_TEST_DYNAMODB_ENDPOINT not set")
	}
	testConformance(t, openConn(t, "dynamodb", map[string]any{
		"endpoint":        endpoint,
		"accessKeyID":     "local",
		"secretAccessKey": "local",
		"tablePrefix":     "multidb_test_",
	}), capabilities{})
}
