package aws

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// NewS3Client builds the S3 client. Path-style addressing is needed for MinIO and
// LocalStack endpoints set through AWS_ENDPOINT_URL_S3.
func NewS3Client(cfg aws.Config, usePathStyle bool) *s3.Client {
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = usePathStyle
	})
}
