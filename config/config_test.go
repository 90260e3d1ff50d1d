package config_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/fosrl/wswatch/config"
)

var _ = Describe("Config", func() {
	var tempDir string

	writeConfig := func(content string) string {
		path := filepath.Join(tempDir, "config.json")
		Expect(os.WriteFile(path, []byte(content), 0644)).To(Succeed())
		return path
	}

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "config-test-*")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		os.RemoveAll(tempDir)
		os.Unsetenv("WSWATCH_KEY")
		os.Unsetenv("WSWATCH_TIMEOUT")
		os.Unsetenv("WSWATCH_LOG_LEVEL")
		os.Unsetenv(config.EnvFile)
	})

	Describe("Load", func() {
		Context("with valid config file", func() {
			var path string

			BeforeEach(func() {
				path = writeConfig(`{
  "servers": ["10.0.0.1:8080", "example.com:9000"],
  "timeout": 30,
  "key": "abc123",
  "notify": {"prefix": "Prod"}
}`)
			})

			It("should load configuration successfully", func() {
				cfg, err := config.Load(path)
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Servers).To(Equal([]string{"10.0.0.1:8080", "example.com:9000"}))
				Expect(cfg.Key).To(Equal("abc123"))
				Expect(cfg.HeartbeatTimeout()).To(Equal(30 * time.Second))
			})

			It("should report the file it was read from", func() {
				cfg, err := config.Load(path)
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Source()).To(Equal(path))
			})

			It("should keep defaults for keys the file omits", func() {
				cfg, err := config.Load(path)
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Path).To(Equal(config.DefaultPath))
				Expect(cfg.Notify.Prefix).To(Equal("Prod"))
				Expect(cfg.Notify.Endpoint).To(Equal(config.DefaultEndpoint))
				Expect(cfg.Log.Level).To(Equal(config.LogLevelInfo))
				Expect(cfg.Secure).To(BeFalse())
			})

			It("should apply environment overrides", func() {
				os.Setenv("WSWATCH_KEY", "from-env")
				os.Setenv("WSWATCH_LOG_LEVEL", "debug")
				cfg, err := config.Load(path)
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Key).To(Equal("from-env"))
				Expect(cfg.Log.Level).To(Equal("debug"))
			})
		})

		Context("without a usable file", func() {
			It("should use defaults when config file missing", func() {
				cfg, err := config.Load(filepath.Join(tempDir, "missing.json"))
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Servers).To(BeEmpty())
				Expect(cfg.Timeout).To(BeNumerically("==", config.DefaultTimeout))
				Expect(cfg.Key).To(BeEmpty())
				Expect(cfg.Source()).To(BeEmpty())
			})

			It("should use defaults when config file is malformed", func() {
				path := writeConfig(`{"servers": [`)
				cfg, err := config.Load(path)
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Servers).To(BeEmpty())
				Expect(cfg.Source()).To(BeEmpty())
			})
		})

		Context("with invalid values", func() {
			It("should reject servers without a port", func() {
				path := writeConfig(`{"servers": ["10.0.0.1"]}`)
				_, err := config.Load(path)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("servers"))
			})

			It("should reject a timeout below one second", func() {
				path := writeConfig(`{"timeout": 0.5}`)
				_, err := config.Load(path)
				Expect(err).To(HaveOccurred())
			})

			It("should reject an endpoint without a key placeholder", func() {
				path := writeConfig(`{"notify": {"endpoint": "http://push.example/send"}}`)
				_, err := config.Load(path)
				Expect(err).To(HaveOccurred())
			})

			It("should reject an unknown log level", func() {
				os.Setenv("WSWATCH_LOG_LEVEL", "verbose")
				_, err := config.Load(filepath.Join(tempDir, "missing.json"))
				Expect(err).To(HaveOccurred())
			})
		})
	})

	Describe("ValidateListenAddr", func() {
		It("should accept a bare port", func() {
			Expect(config.ValidateListenAddr(":2112")).To(Succeed())
		})

		It("should accept host and port", func() {
			Expect(config.ValidateListenAddr("127.0.0.1:9090")).To(Succeed())
		})

		It("should reject a missing port", func() {
			Expect(config.ValidateListenAddr("127.0.0.1:")).NotTo(Succeed())
			Expect(config.ValidateListenAddr("127.0.0.1")).NotTo(Succeed())
		})

		It("should reject an out of range port", func() {
			Expect(config.ValidateListenAddr(":70000")).NotTo(Succeed())
		})

		It("should reject a non-string value", func() {
			Expect(config.ValidateListenAddr(2112)).NotTo(Succeed())
		})
	})

	Describe("File", func() {
		It("should default to ./config.json", func() {
			os.Unsetenv(config.EnvFile)
			Expect(config.File()).To(Equal(config.DefaultFile))
		})

		It("should honour CONFIG_FILE", func() {
			os.Setenv(config.EnvFile, "/etc/wswatch.json")
			Expect(config.File()).To(Equal("/etc/wswatch.json"))
		})
	})
})
